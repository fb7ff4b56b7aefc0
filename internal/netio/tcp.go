package netio

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/errs"
)

// lengthHeaderSize is the fixed-width length prefix of a TCP message
// boundary: a big-endian uint32 byte count of the body that follows.
const lengthHeaderSize = 4

type tcpPackage struct {
	data []byte
	err  error
}

// TCPInterface is a connected TCP socket exposing the Interface capability
// set, framing each package boundary with a 4-byte big-endian length
// prefix. Grounded on the teacher's ws.TransportManager per-connection
// read pump, adapted from websocket frames to explicit length-prefixed
// reads since the wire carries no HTTP upgrade.
type TCPInterface struct {
	conn       *net.TCPConn
	local      Endpoint
	remote     Endpoint
	maxBodyLen int

	recvCh chan tcpPackage
	closed atomic.Bool
	once   sync.Once

	mu    sync.RWMutex
	state State
}

// DialTCP connects to addr and starts the read pump.
func DialTCP(ctx context.Context, addr *net.TCPAddr, maxBodyLen int) (*TCPInterface, error) {
	d := net.Dialer{}
	if dl, ok := ctx.Deadline(); ok {
		d.Deadline = dl
	}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errs.Wrap(errs.Retry, op+".DialTCP", addr.String(), err)
	}
	return newTCPInterface(conn.(*net.TCPConn), maxBodyLen), nil
}

// AcceptTCP wraps an inbound connection accepted by a listener.
func AcceptTCP(conn *net.TCPConn, maxBodyLen int) *TCPInterface {
	return newTCPInterface(conn, maxBodyLen)
}

// TCPListener accepts inbound connections and wraps each as a
// TCPInterface.
type TCPListener struct {
	ln         *net.TCPListener
	maxBodyLen int
}

// ListenTCP binds a TCP listener at addr.
func ListenTCP(addr *net.TCPAddr, maxBodyLen int) (*TCPListener, error) {
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.Retry, op+".ListenTCP", addr.String(), err)
	}
	return &TCPListener{ln: ln, maxBodyLen: maxBodyLen}, nil
}

// Accept blocks for the next inbound connection and wraps it.
func (l *TCPListener) Accept() (*TCPInterface, error) {
	conn, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, errs.Wrap(errs.Retry, op+".TCPListener.Accept", l.ln.Addr().String(), err)
	}
	return AcceptTCP(conn, l.maxBodyLen), nil
}

// Close stops accepting new connections.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's bound local address.
func (l *TCPListener) Addr() Endpoint {
	return NewTCPEndpoint(l.ln.Addr().(*net.TCPAddr))
}

func newTCPInterface(conn *net.TCPConn, maxBodyLen int) *TCPInterface {
	t := &TCPInterface{
		conn:       conn,
		local:      NewTCPEndpoint(conn.LocalAddr().(*net.TCPAddr)),
		remote:     NewTCPEndpoint(conn.RemoteAddr().(*net.TCPAddr)),
		maxBodyLen: maxBodyLen,
		recvCh:     make(chan tcpPackage, 64),
		state:      State{Kind: StateActive, Since: time.Now()},
	}
	go t.readPump()
	return t
}

// readPump reads a fixed-size length header, then the declared body, and
// pushes the reassembled package. Partial reads are retried internally by
// io.ReadFull; a closed connection ends the pump.
func (t *TCPInterface) readPump() {
	header := make([]byte, lengthHeaderSize)
	for {
		if _, err := io.ReadFull(t.conn, header); err != nil {
			t.emitErr(err)
			return
		}

		bodyLen := binary.BigEndian.Uint32(header)
		if int(bodyLen) > t.maxBodyLen {
			t.emitErr(errs.New(errs.OutOfLimit, op+".TCPInterface.readPump"))
			return
		}

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(t.conn, body); err != nil {
			t.emitErr(err)
			return
		}

		select {
		case t.recvCh <- tcpPackage{data: body}:
		default:
		}
	}
}

func (t *TCPInterface) emitErr(cause error) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- tcpPackage{err: errs.Wrap(errs.Retry, op+".TCPInterface.readPump", t.remote.String(), cause)}:
	default:
	}
}

// Send writes data as one length-prefixed message. target is advisory:
// a TCPInterface always writes to the peer it is already connected to.
func (t *TCPInterface) Send(ctx context.Context, data []byte, target Endpoint) error {
	if t.closed.Load() {
		return errs.New(errs.TunnelClosed, op+".TCPInterface.Send")
	}
	if len(data) > t.maxBodyLen {
		return errs.New(errs.OutOfLimit, op+".TCPInterface.Send")
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(time.Time{})
	}

	header := make([]byte, lengthHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	if _, err := t.conn.Write(header); err != nil {
		return errs.Wrap(errs.Retry, op+".TCPInterface.Send", t.remote.String(), err)
	}
	if _, err := t.conn.Write(data); err != nil {
		return errs.Wrap(errs.Retry, op+".TCPInterface.Send", t.remote.String(), err)
	}
	return nil
}

// RecvPackage returns the next reassembled message, or blocks until ctx
// is done.
func (t *TCPInterface) RecvPackage(ctx context.Context) (Endpoint, []byte, error) {
	select {
	case pkg, ok := <-t.recvCh:
		if !ok {
			return Endpoint{}, nil, errs.New(errs.TunnelClosed, op+".TCPInterface.RecvPackage")
		}
		return t.remote, pkg.data, pkg.err
	case <-ctx.Done():
		return Endpoint{}, nil, errs.Wrap(errs.Retry, op+".TCPInterface.RecvPackage", "", ctx.Err())
	}
}

func (t *TCPInterface) LocalEndpoint() Endpoint {
	return t.local
}

func (t *TCPInterface) RemoteEndpoint() Endpoint {
	return t.remote
}

func (t *TCPInterface) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Close is idempotent: repeated calls after the first are no-ops.
func (t *TCPInterface) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		err = t.conn.Close()
		close(t.recvCh)

		t.mu.Lock()
		t.state = State{Kind: StateClosed, Since: t.state.Since, Until: time.Now()}
		t.mu.Unlock()
	})
	return err
}
