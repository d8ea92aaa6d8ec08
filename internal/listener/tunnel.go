package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

var (
	ErrTunnelRejected = errors.New("tunnel token rejected")
	ErrBadHandshake   = errors.New("malformed tunnel handshake")
)

const handshakeTimeout = 10 * time.Second

// DialTunnel connects to a tunnel edge and returns a listener whose
// connections are the streams the edge opens for its external clients.
func DialTunnel(ctx context.Context, addr string, token string) (net.Listener, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTunnelListener(conn, token)
}

// NewTunnelListener authenticates on conn and starts the client side of a
// yamux session over it.
func NewTunnelListener(conn net.Conn, token string) (net.Listener, error) {
	if err := Handshake(conn, token); err != nil {
		conn.Close()
		return nil, err
	}
	session, err := yamux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &tunnelListener{session: session}, nil
}

// Handshake sends token and waits for the edge's verdict.
func Handshake(conn net.Conn, token string) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})
	if _, err := fmt.Fprintf(conn, "%s\n", token); err != nil {
		return fmt.Errorf("tunnel handshake: %w", err)
	}
	status := []byte{0}
	if _, err := io.ReadFull(conn, status); err != nil {
		return fmt.Errorf("tunnel handshake: %w", err)
	}
	switch status[0] {
	case '+':
		return nil
	case '-':
		return ErrTunnelRejected
	default:
		return ErrBadHandshake
	}
}

// AcceptHandshake is the edge side of Handshake.
func AcceptHandshake(conn net.Conn, token string) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})
	// read byte by byte so nothing past the token line is buffered away
	// from the yamux session
	var sb strings.Builder
	b := []byte{0}
	for {
		if _, err := io.ReadFull(conn, b); err != nil {
			return fmt.Errorf("tunnel handshake: %w", err)
		}
		if b[0] == '\n' {
			break
		}
		if sb.Len() > 256 {
			return ErrBadHandshake
		}
		sb.WriteByte(b[0])
	}
	if sb.String() != token {
		conn.Write([]byte{'-'})
		return ErrTunnelRejected
	}
	_, err := conn.Write([]byte{'+'})
	return err
}

// Forward carries one external connection over a new stream. The stream
// starts with the client's address on its own line.
func Forward(session *yamux.Session, conn net.Conn) error {
	defer conn.Close()
	stream, err := session.OpenStream()
	if err != nil {
		return err
	}
	defer stream.Close()
	if _, err = fmt.Fprintf(stream, "%s\n", conn.RemoteAddr()); err != nil {
		return err
	}
	c := make(chan error, 1)
	go func() {
		_, err := io.Copy(stream, conn)
		stream.Close()
		c <- err
	}()
	_, err = io.Copy(conn, stream)
	conn.Close()
	if err1 := <-c; err == nil {
		err = err1
	}
	return err
}

type tunnelListener struct {
	session *yamux.Session
}

func (l *tunnelListener) Accept() (net.Conn, error) {
	stream, err := l.session.Accept()
	if err != nil {
		return nil, err
	}
	return &tunnelConn{Conn: stream, r: bufio.NewReader(stream)}, nil
}

func (l *tunnelListener) Close() error {
	return l.session.Close()
}

func (l *tunnelListener) Addr() net.Addr {
	return l.session.Addr()
}

// tunnelConn strips the address line the edge writes ahead of the client
// bytes. The line is read lazily so Accept never blocks on a slow stream.
type tunnelConn struct {
	net.Conn
	r     *bufio.Reader
	once  sync.Once
	raddr net.Addr
	err   error
}

func (c *tunnelConn) header() {
	c.once.Do(func() {
		c.Conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		line, err := c.r.ReadString('\n')
		c.Conn.SetReadDeadline(time.Time{})
		if err != nil {
			c.err = err
			c.raddr = c.Conn.RemoteAddr()
			return
		}
		c.raddr = textAddr(strings.TrimSpace(line))
	})
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	c.header()
	if c.err != nil {
		return 0, c.err
	}
	return c.r.Read(p)
}

func (c *tunnelConn) RemoteAddr() net.Addr {
	c.header()
	return c.raddr
}

type textAddr string

func (a textAddr) Network() string { return "tcp" }
func (a textAddr) String() string  { return string(a) }
