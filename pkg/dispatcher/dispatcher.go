// Package dispatcher implements the event dispatcher (C5): a
// single-threaded epoll readiness loop built on golang.org/x/sys/unix,
// grounded on the same EpollCreate1/EpollCtl/EpollWait triad the
// docker-compose epoll monitor uses, adapted from a process-exit watcher to
// a socket-readiness loop driving pkg/proxy.Proxy.HandleReady.
//
// Descriptors are identified to epoll by their real kernel file descriptor,
// but the event's own Fd field carries the registry's logical descriptor
// number instead (see pkg/registry.Registry.NextFD) — epoll only needs the
// kernel fd to poll the socket, never to identify it to the caller, so
// stashing the logical id there lets handle_ready dispatch straight off the
// event without a second lookup table for the hot path.
package dispatcher

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/WhileEndless/go-httpproxy/pkg/connmgr"
	"github.com/WhileEndless/go-httpproxy/pkg/constants"
	"github.com/WhileEndless/go-httpproxy/pkg/proxy"
	"github.com/WhileEndless/go-httpproxy/pkg/registry"
)

// pollTimeoutMillis bounds how long EpollWait blocks with nothing ready, so
// the idle-timeout sweep still runs once per loop iteration even during a
// quiet period.
const pollTimeoutMillis = 1000

// Dispatcher owns the epoll instance and the listening socket. It
// implements connmgr.Watcher so the connection manager can add and remove
// descriptors it creates or destroys mid-request (an origin dial, a
// CONNECT tunnel's two legs) without the dispatcher keeping its own copy
// of the registry's bookkeeping.
type Dispatcher struct {
	epfd int
	ln   net.Listener
	lnFD int

	proxy       *proxy.Proxy
	connMgr     *connmgr.Manager
	reg         *registry.Registry
	log         hclog.Logger
	idleTimeout time.Duration

	mu           sync.Mutex
	logicalToRaw map[int]int
}

// New creates a Dispatcher bound to ln, an already-listening TCP listener,
// and registers it as cm's readiness-set watcher.
func New(ln net.Listener, p *proxy.Proxy, cm *connmgr.Manager, reg *registry.Registry, idleTimeout time.Duration, log hclog.Logger) (*Dispatcher, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	lnFD, err := rawFD(ln)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("listener raw fd: %w", err)
	}

	d := &Dispatcher{
		epfd:         epfd,
		ln:           ln,
		lnFD:         lnFD,
		proxy:        p,
		connMgr:      cm,
		reg:          reg,
		log:          log.Named("dispatcher"),
		idleTimeout:  idleTimeout,
		logicalToRaw: make(map[int]int),
	}

	listenEvent := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lnFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lnFD, &listenEvent); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl listener: %w", err)
	}

	cm.SetWatcher(d)
	return d, nil
}

// Watch adds fd's connection to the readiness set, keyed to epoll by its
// real kernel descriptor. Re-watching an fd whose kernel descriptor is
// already registered (the MITM client leg, rewrapped in TLS without a new
// socket) falls back to a modify instead of failing.
func (d *Dispatcher) Watch(fd int, conn net.Conn) error {
	raw, err := rawFD(conn)
	if err != nil {
		return err
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD

	d.mu.Lock()
	if _, already := d.logicalToRaw[fd]; already {
		op = unix.EPOLL_CTL_MOD
	}
	d.mu.Unlock()

	if err := unix.EpollCtl(d.epfd, op, raw, &ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}

	d.mu.Lock()
	d.logicalToRaw[fd] = raw
	d.mu.Unlock()
	return nil
}

// Unwatch removes fd from the readiness set. Unknown fds are a no-op — the
// connection manager's disconnect cascade may touch a peer that was never
// separately watched.
func (d *Dispatcher) Unwatch(fd int) {
	d.mu.Lock()
	raw, ok := d.logicalToRaw[fd]
	delete(d.logicalToRaw, fd)
	d.mu.Unlock()

	if !ok {
		return
	}
	_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, raw, nil)
}

// Run blocks, driving the readiness loop until ctx is canceled or
// EpollWait returns a fatal error.
func (d *Dispatcher) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, constants.MaxEvents)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(d.epfd, events, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == d.lnFD {
				d.accept()
				continue
			}
			d.proxy.HandleReady(ctx, fd)
		}

		d.proxy.SweepIdle(d.idleTimeout)
	}
}

func (d *Dispatcher) accept() {
	conn, err := d.ln.Accept()
	if err != nil {
		d.log.Warn("accept failed", "error", err)
		return
	}

	fd := d.reg.NextFD()
	d.connMgr.AcceptClient(fd, conn)
	if err := d.Watch(fd, conn); err != nil {
		d.log.Warn("failed to register accepted client for readiness", "fd", fd, "error", err)
		d.connMgr.DisconnectClient(fd)
	}
}

// Close releases the epoll instance. It does not close the listener or any
// registered connection — callers drain those through the connection
// manager's disconnect cascade during shutdown.
func (d *Dispatcher) Close() error {
	return unix.Close(d.epfd)
}

// syscallConner is satisfied by *net.TCPConn, *net.TCPListener, and every
// other net type backed by a real kernel descriptor.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// rawFD extracts the kernel file descriptor underlying conn. A *tls.Conn
// does not itself implement syscallConner, so its NetConn accessor is
// unwrapped first to reach the real socket.
func rawFD(conn interface{}) (int, error) {
	type netConner interface{ NetConn() net.Conn }

	for {
		nc, ok := conn.(netConner)
		if !ok {
			break
		}
		conn = nc.NetConn()
	}

	sc, ok := conn.(syscallConner)
	if !ok {
		return -1, fmt.Errorf("%T does not expose a raw file descriptor", conn)
	}

	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	if err := rc.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, err
	}
	return fd, nil
}
