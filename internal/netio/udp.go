package netio

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/errs"
)

type udpPackage struct {
	from Endpoint
	data []byte
	err  error
}

// UDPInterface is a bound UDP socket exposing the Interface capability
// set. A background read pump drains datagrams into a buffered channel so
// RecvPackage can honor context cancellation — grounded in the teacher's
// ws.TransportManager per-connection read-pump goroutine, adapted from a
// websocket frame loop to a raw UDP datagram loop.
type UDPInterface struct {
	conn  *net.UDPConn
	local Endpoint
	mtu   int

	recvCh chan udpPackage
	closed atomic.Bool
	once   sync.Once

	mu    sync.RWMutex
	state State
}

// ListenUDP binds a UDP socket at addr and starts its read pump.
func ListenUDP(addr *net.UDPAddr, mtu int) (*UDPInterface, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.Retry, op+".ListenUDP", addr.String(), err)
	}
	return newUDPInterface(conn, mtu), nil
}

func newUDPInterface(conn *net.UDPConn, mtu int) *UDPInterface {
	local := NewEndpoint(ProtoUDP, conn.LocalAddr().(*net.UDPAddr))
	u := &UDPInterface{
		conn:   conn,
		local:  local,
		mtu:    mtu,
		recvCh: make(chan udpPackage, 256),
		state:  State{Kind: StateActive, Since: time.Now()},
	}
	go u.readPump()
	return u
}

func (u *UDPInterface) readPump() {
	buf := make([]byte, u.mtu)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if u.closed.Load() {
				return
			}
			select {
			case u.recvCh <- udpPackage{err: errs.Wrap(errs.Retry, op+".UDPInterface.readPump", u.local.String(), err)}:
			default:
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		pkg := udpPackage{from: NewEndpoint(ProtoUDP, addr), data: data}
		select {
		case u.recvCh <- pkg:
		default:
			// Receive buffer full: drop rather than block the socket
			// read loop indefinitely.
		}
	}
}

// Send writes data as a single UDP datagram to target.
func (u *UDPInterface) Send(ctx context.Context, data []byte, target Endpoint) error {
	if u.closed.Load() {
		return errs.New(errs.TunnelClosed, op+".UDPInterface.Send")
	}
	if len(data) > u.mtu {
		return errs.New(errs.OutOfLimit, op+".UDPInterface.Send")
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(dl)
		defer u.conn.SetWriteDeadline(time.Time{})
	}

	_, err := u.conn.WriteToUDP(data, target.UDPAddr())
	if err != nil {
		return errs.Wrap(errs.Retry, op+".UDPInterface.Send", target.String(), err)
	}
	return nil
}

// RecvPackage returns the next datagram, or blocks until ctx is done.
func (u *UDPInterface) RecvPackage(ctx context.Context) (Endpoint, []byte, error) {
	select {
	case pkg, ok := <-u.recvCh:
		if !ok {
			return Endpoint{}, nil, errs.New(errs.TunnelClosed, op+".UDPInterface.RecvPackage")
		}
		return pkg.from, pkg.data, pkg.err
	case <-ctx.Done():
		return Endpoint{}, nil, errs.Wrap(errs.Retry, op+".UDPInterface.RecvPackage", "", ctx.Err())
	}
}

func (u *UDPInterface) LocalEndpoint() Endpoint {
	return u.local
}

func (u *UDPInterface) State() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// Close is idempotent: repeated calls are no-ops after the first.
func (u *UDPInterface) Close() error {
	var err error
	u.once.Do(func() {
		u.closed.Store(true)
		err = u.conn.Close()
		close(u.recvCh)

		u.mu.Lock()
		u.state = State{Kind: StateClosed, Since: u.state.Since, Until: time.Now()}
		u.mu.Unlock()
	})
	return err
}
