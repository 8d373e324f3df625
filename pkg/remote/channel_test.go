package remote

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func channelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b, err := socketPair("test")
	require.NoError(t, err)

	ca, err := fileConn(a)
	require.NoError(t, err)
	cb, err := fileConn(b)
	require.NoError(t, err)

	left, right := NewChannel(ca), NewChannel(cb)
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return left, right
}

func TestChannel_DeliversInOrder(t *testing.T) {
	left, right := channelPair(t)

	const n = 1000
	for i := 0; i < n; i++ {
		raw, err := EncodePayload(i)
		require.NoError(t, err)
		require.NoError(t, left.Send(Message{Kind: KindObservation, Identifier: "A", Payload: raw}))
	}

	for i := 0; i < n; i++ {
		msg, err := right.Receive()
		require.NoError(t, err)
		got, err := DecodePayload(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, float64(i), got)
	}
	// everything received was taken off the queue first
	assert.Zero(t, left.Pending())
}

func TestChannel_CloseFlushesAndSignalsEOF(t *testing.T) {
	left, right := channelPair(t)

	require.NoError(t, left.Send(Message{Kind: KindPublication, Identifier: "C"}))
	require.NoError(t, left.Send(Message{Kind: KindReady}))
	require.NoError(t, left.Close())

	msg, err := right.Receive()
	require.NoError(t, err)
	assert.Equal(t, KindPublication, msg.Kind)
	msg, err = right.Receive()
	require.NoError(t, err)
	assert.Equal(t, KindReady, msg.Kind)

	_, err = right.Receive()
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, left.Send(Message{Kind: KindKill}), ErrChannelClosed)
	assert.NoError(t, left.Close())
}

func TestChannel_ReadDeadline(t *testing.T) {
	_, right := channelPair(t)

	require.NoError(t, right.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := right.Receive()

	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
}

func TestChannel_RejectsMessageWithoutKind(t *testing.T) {
	a, b, err := socketPair("raw")
	require.NoError(t, err)
	defer a.Close()

	cb, err := fileConn(b)
	require.NoError(t, err)
	ch := NewChannel(cb)
	defer ch.Close()

	_, err = a.Write([]byte("{\"identifier\":\"A\"}\n"))
	require.NoError(t, err)

	_, err = ch.Receive()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPortTransfer(t *testing.T) {
	ctrlParent, ctrlChild, err := socketPair("control")
	require.NoError(t, err)
	parent, err := fileConn(ctrlParent)
	require.NoError(t, err)
	defer parent.Close()
	child, err := fileConn(ctrlChild)
	require.NoError(t, err)
	defer child.Close()

	ours, theirs, err := socketPair("port")
	require.NoError(t, err)

	require.NoError(t, sendPort(parent, Message{Kind: KindPort, Version: ProtocolVersion}, theirs))
	require.NoError(t, theirs.Close())

	msg, received, err := recvPort(child)
	require.NoError(t, err)
	assert.Equal(t, KindPort, msg.Kind)
	assert.Equal(t, ProtocolVersion, msg.Version)

	oursConn, err := fileConn(ours)
	require.NoError(t, err)
	receivedConn, err := fileConn(received)
	require.NoError(t, err)

	// the transferred descriptor is a live end of the private pair
	bridgeSide, workerSide := NewChannel(oursConn), NewChannel(receivedConn)
	defer bridgeSide.Close()
	defer workerSide.Close()

	require.NoError(t, workerSide.Send(Message{Kind: KindReady}))
	got, err := bridgeSide.Receive()
	require.NoError(t, err)
	assert.Equal(t, KindReady, got.Kind)
}

func TestRecvPort_RequiresDescriptor(t *testing.T) {
	a, b, err := socketPair("control")
	require.NoError(t, err)
	ca, err := fileConn(a)
	require.NoError(t, err)
	defer ca.Close()
	cb, err := fileConn(b)
	require.NoError(t, err)
	defer cb.Close()

	_, err = ca.Write([]byte("{\"kind\":\"port\"}\n"))
	require.NoError(t, err)

	_, _, err = recvPort(cb)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSocketPairIsCloseOnExec(t *testing.T) {
	a, b, err := socketPair("cloexec")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	for _, f := range []*os.File{a, b} {
		flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFD, 0)
		require.NoError(t, err)
		assert.NotZero(t, flags&unix.FD_CLOEXEC, f.Name())
	}
}
