package remote

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// flushTimeout bounds how long Close waits for queued messages to be written.
const flushTimeout = time.Second

// Channel is a framed, bidirectional message stream over a connection.
//
// Sends never block: messages go to an unbounded queue drained in order by
// one writer goroutine. A slow peer therefore grows the queue without limit.
// Receive must be called from a single goroutine.
type Channel struct {
	conn net.Conn
	dec  *json.Decoder

	mu     sync.Mutex
	queue  []Message
	closed bool
	werr   error

	wake       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// NewChannel starts the writer for conn. The channel owns conn.
func NewChannel(conn net.Conn) *Channel {
	c := &Channel{
		conn:       conn,
		dec:        json.NewDecoder(bufio.NewReader(conn)),
		wake:       make(chan struct{}, 1),
		writerDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues msg for writing.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.werr != nil {
		err := c.werr
		c.mu.Unlock()
		return err
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued, unwritten messages.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Receive blocks for the next message. It returns io.EOF once the peer has
// closed its end.
func (c *Channel) Receive() (Message, error) {
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("%w: message without kind", ErrProtocol)
	}
	return msg, nil
}

// SetReadDeadline bounds pending and future Receive calls. The zero time
// removes the deadline.
func (c *Channel) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close stops accepting sends, flushes what is queued and closes the
// connection. The peer observes EOF.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		select {
		case c.wake <- struct{}{}:
		default:
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
		<-c.writerDone
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) writeLoop() {
	defer close(c.writerDone)

	w := bufio.NewWriter(c.conn)
	enc := json.NewEncoder(w)
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		closing := c.closed
		c.mu.Unlock()

		if len(batch) == 0 {
			if closing {
				return
			}
			<-c.wake
			continue
		}

		for _, msg := range batch {
			if err := enc.Encode(msg); err != nil {
				c.fail(err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.werr = fmt.Errorf("channel write: %w", err)
	c.queue = nil
	c.mu.Unlock()
}
