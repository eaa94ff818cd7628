package server

import (
	"bufio"
	"encoding/binary"
	"net"
	"syscall"

	"github.com/google/uuid"
)

// client is one connected stream consumer. Created by the acceptor,
// removed by the scheduler on error or on a disconnect request.
type client struct {
	id   string
	conn net.Conn
	w    *bufio.Writer

	peerHost string
	peerPort string

	framesSent uint64
	bytesSent  uint64
}

func newClient(conn net.Conn) *client {
	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host, port = conn.RemoteAddr().String(), ""
	}
	return &client{
		id:       uuid.NewString(),
		conn:     conn,
		w:        bufio.NewWriter(conn),
		peerHost: host,
		peerPort: port,
	}
}

// hasDisconnectRequest performs the zero-duration readability probe: any
// readable data (the protocol's single u32, or for that matter anything at
// all, including EOF) counts as a disconnect request.
func (c *client) hasDisconnectRequest() bool {
	sc, ok := c.conn.(syscall.Conn)
	if !ok {
		return false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return true
	}
	var buf [4]byte
	pending := false
	// One non-blocking read; returning true never parks on the poller.
	if err := rc.Read(func(fd uintptr) bool {
		_, rerr := syscall.Read(int(fd), buf[:])
		pending = rerr != syscall.EAGAIN // data, EOF or a real socket error
		return true
	}); err != nil {
		return true
	}
	return pending
}

// writeFrame sends one per-frame record: meta-frame index, sub-stream id,
// then the self-describing compressed payload, flushed before returning so
// the frame reaches the kernel before the next sub-stream is attempted.
func (c *client) writeFrame(metaFrame, streamID uint32, payload []byte) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], metaFrame)
	binary.LittleEndian.PutUint32(hdr[4:], streamID)
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	c.framesSent++
	c.bytesSent += uint64(len(hdr) + len(payload))
	return nil
}

func (c *client) close() {
	_ = c.conn.Close()
}
