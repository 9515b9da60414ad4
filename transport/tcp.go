// Package transport provides the TCP transport used by the session
// manager to reach iSCSI portals.
package transport

import (
	"bufio"
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/pdu"
)

// DefaultDialTimeout bounds connection establishment when the caller's
// context carries no deadline of its own.
const DefaultDialTimeout = 30 * time.Second

// TCP dials portals over plain TCP. The zero value is usable.
type TCP struct {
	// DialTimeout overrides DefaultDialTimeout when positive.
	DialTimeout time.Duration
	// LocalAddr pins the local side of outgoing connections, for
	// portals that must be reached through a specific interface.
	LocalAddr *net.TCPAddr
}

var _ iscsi.Transport = (*TCP)(nil)

// Open dials the portal and returns a PDU-framed connection. Dial
// failures are classified into the local error taxonomy so callers can
// errors.Is against ErrConnectionRefused and ErrTimeout.
func (t *TCP) Open(ctx context.Context, portal iscsi.Portal) (iscsi.Conn, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	if t.LocalAddr != nil {
		dialer.LocalAddr = t.LocalAddr
	}

	port := portal.Port
	if port == 0 {
		port = iscsi.DefaultPort
	}
	addr := net.JoinHostPort(portal.Address, strconv.Itoa(int(port)))

	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err, addr)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		// Login and logout exchanges are small request/response PDUs;
		// coalescing delays them for nothing.
		tc.SetNoDelay(true)
	}
	return newConn(nc), nil
}

func classifyDialError(err error, addr string) error {
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(iscsi.ErrTimeout, "dialing %s", addr)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return errors.Wrapf(iscsi.ErrConnectionRefused, "dialing %s", addr)
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(context.Canceled, "dial cancelled")
	}
	return errors.Wrapf(err, "dialing %s", addr)
}

// conn frames PDUs over one TCP connection. Send and Receive are each
// serialized with their own lock so a watcher goroutine can block in
// Receive while another goroutine sends.
type conn struct {
	nc net.Conn
	br *bufio.Reader

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newConn(nc net.Conn) *conn {
	return &conn{nc: nc, br: bufio.NewReader(nc)}
}

func (c *conn) Send(p *pdu.PDU) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := pdu.Write(c.nc, p); err != nil {
		return errors.Wrap(err, "writing PDU")
	}
	return nil
}

func (c *conn) Receive() (*pdu.PDU, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	p, err := pdu.Read(c.br)
	if err != nil {
		return nil, errors.Wrap(err, "reading PDU")
	}
	return p, nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}
