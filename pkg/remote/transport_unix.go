//go:build unix

package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxControlMessage bounds the single port message read from the control socket.
const maxControlMessage = 64 << 10

// socketPair returns both ends of a connected unix stream socket. Neither
// end is inherited by child processes unless passed explicitly.
func socketPair(name string) (*os.File, *os.File, error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), name+".parent"), os.NewFile(uintptr(fds[1]), name+".child"), nil
}

// fileConn turns f into a unix connection. f is closed either way.
func fileConn(f *os.File) (*net.UnixConn, error) {
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("file conn %s: %w", f.Name(), err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("%s is not a unix socket", f.Name())
	}
	return uc, nil
}

// sendPort writes msg with f attached as SCM_RIGHTS ancillary data.
func sendPort(conn *net.UnixConn, msg Message, f *os.File) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	rights := unix.UnixRights(int(f.Fd()))
	n, oobn, err := conn.WriteMsgUnix(data, rights, nil)
	if err != nil {
		return fmt.Errorf("send port: %w", err)
	}
	if n != len(data) || oobn != len(rights) {
		return fmt.Errorf("send port: short write (%d/%d bytes, %d/%d oob)", n, len(data), oobn, len(rights))
	}
	return nil
}

// recvPort reads the port message and the descriptor that travels with it.
func recvPort(conn *net.UnixConn) (Message, *os.File, error) {
	var (
		line []byte
		file *os.File
	)
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4))

	for !bytes.Contains(line, []byte{'\n'}) {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if n == 0 && err != nil {
			if file != nil {
				_ = file.Close()
			}
			return Message{}, nil, fmt.Errorf("receive port: %w", err)
		}
		line = append(line, buf[:n]...)
		if len(line) > maxControlMessage {
			return Message{}, nil, fmt.Errorf("%w: control message too large", ErrProtocol)
		}
		if oobn > 0 && file == nil {
			f, perr := parseRights(oob[:oobn])
			if perr != nil {
				return Message{}, nil, perr
			}
			file = f
		}
	}

	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(line), &msg); err != nil {
		if file != nil {
			_ = file.Close()
		}
		return Message{}, nil, fmt.Errorf("%w: decode port message: %v", ErrProtocol, err)
	}
	if msg.Kind != KindPort || file == nil {
		if file != nil {
			_ = file.Close()
		}
		return Message{}, nil, fmt.Errorf("%w: expected %s with descriptor, got %q", ErrProtocol, KindPort, msg.Kind)
	}
	return msg, file, nil
}

func parseRights(oob []byte) (*os.File, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: parse control message: %v", ErrProtocol, err)
	}
	if len(scms) == 0 {
		return nil, errors.New("no control message")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parse rights: %v", ErrProtocol, err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return nil, fmt.Errorf("%w: expected one descriptor, got %d", ErrProtocol, len(fds))
	}
	unix.CloseOnExec(fds[0])
	return os.NewFile(uintptr(fds[0]), "busbridge.port"), nil
}
