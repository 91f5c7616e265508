//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"diagport/internal/advertise"
)

const (
	defaultDialTimeout      = 2 * time.Second
	defaultHandshakeTimeout = 2 * time.Second
	defaultAcceptTimeout    = 2 * time.Second
)

// UnixOptions configures the unix-domain-socket transport.
type UnixOptions struct {
	// Cookie identifies this process instance in advertise messages.
	Cookie uuid.UUID
	// PID is advertised alongside the cookie. Defaults to os.Getpid().
	PID              uint64
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	AcceptTimeout    time.Duration
}

// Unix implements Transport over unix domain sockets.
type Unix struct {
	opts UnixOptions

	mu     sync.Mutex
	wakeR  int
	wakeW  int
	closed bool
}

// NewUnix creates the transport and its wake pipe.
func NewUnix(opts UnixOptions) (*Unix, error) {
	if opts.PID == 0 {
		opts.PID = uint64(os.Getpid())
	}
	if opts.Cookie == uuid.Nil {
		opts.Cookie = advertise.NewCookie()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = defaultAcceptTimeout
	}

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	for _, fd := range pipe {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			return nil, fmt.Errorf("set wake pipe nonblocking: %w", err)
		}
	}
	return &Unix{opts: opts, wakeR: pipe[0], wakeW: pipe[1]}, nil
}

// Cookie returns the instance cookie sent in advertise messages.
func (u *Unix) Cookie() uuid.UUID {
	return u.opts.Cookie
}

// PID returns the advertised process id.
func (u *Unix) PID() uint64 {
	return u.opts.PID
}

// Close releases the wake pipe. Endpoints must be closed separately.
func (u *Unix) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	errR := unix.Close(u.wakeR)
	errW := unix.Close(u.wakeW)
	u.wakeR, u.wakeW = -1, -1
	return errors.Join(errR, errW)
}

// Interrupt wakes a Poll call blocked on this transport.
func (u *Unix) Interrupt() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	_, _ = unix.Write(u.wakeW, []byte{0})
}

func (u *Unix) drainWake() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	var buf [64]byte
	for {
		n, err := unix.Read(u.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Create builds an endpoint bound to the socket path name.
func (u *Unix) Create(name string, mode Mode) (Endpoint, error) {
	if name == "" {
		return nil, errors.New("endpoint name is empty")
	}
	if mode != ModeClient && mode != ModeServer {
		return nil, fmt.Errorf("endpoint %s: invalid mode %d", name, mode)
	}
	return &unixEndpoint{name: name, mode: mode, owner: u}, nil
}

// SendAdvertise writes the advertise handshake within the handshake timeout.
func (u *Unix) SendAdvertise(s Stream) error {
	type writeDeadliner interface {
		SetWriteDeadline(time.Time) error
	}
	if d, ok := s.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(u.opts.HandshakeTimeout))
		defer d.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	return advertise.Write(s, advertise.Message{Cookie: u.opts.Cookie, PID: u.opts.PID})
}

// Poll waits on the handles plus the wake pipe. A handle whose descriptor
// cannot be resolved (closed endpoint or stream) is reported as PollError
// without blocking.
func (u *Unix) Poll(ctx context.Context, handles []PollHandle, timeout time.Duration) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fds := make([]unix.PollFd, 0, len(handles)+1)
	invalid := 0
	for i := range handles {
		handles[i].Events = PollNone
		fd, err := handleFD(handles[i])
		if err != nil {
			handles[i].Events = PollError
			invalid++
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI})
	}
	if invalid > 0 {
		return invalid, nil
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return 0, ErrClosed
	}
	fds = append(fds, unix.PollFd{Fd: int32(u.wakeR), Events: unix.POLLIN})
	u.mu.Unlock()

	stop := context.AfterFunc(ctx, u.Interrupt)
	defer stop()

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	wait := timeout
	for {
		_, err := unix.Poll(fds, pollMillis(wait))
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EINTR) {
			return 0, fmt.Errorf("poll: %w", err)
		}
		if timeout >= 0 {
			wait = time.Until(deadline)
			if wait < 0 {
				wait = 0
			}
		}
	}

	if fds[len(fds)-1].Revents != 0 {
		u.drainWake()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	signaled := 0
	for i := range handles {
		handles[i].Events = classify(fds[i].Revents)
		if handles[i].Events != PollNone {
			signaled++
		}
	}
	return signaled, nil
}

func pollMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func classify(revents int16) PollEvent {
	switch {
	case revents&unix.POLLHUP != 0:
		return PollHangUp
	case revents&(unix.POLLERR|unix.POLLNVAL) != 0:
		return PollError
	case revents&(unix.POLLIN|unix.POLLPRI) != 0:
		return PollSignaled
	default:
		return PollNone
	}
}

func handleFD(h PollHandle) (int, error) {
	switch {
	case h.Stream != nil:
		sc, ok := h.Stream.(syscall.Conn)
		if !ok {
			return -1, fmt.Errorf("stream %T does not expose a descriptor", h.Stream)
		}
		return rawFD(sc)
	case h.Endpoint != nil:
		ep, ok := h.Endpoint.(*unixEndpoint)
		if !ok {
			return -1, fmt.Errorf("endpoint %T is not a unix endpoint", h.Endpoint)
		}
		return ep.fd()
	default:
		return -1, errors.New("empty poll handle")
	}
}

func rawFD(sc syscall.Conn) (int, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

type unixEndpoint struct {
	name  string
	mode  Mode
	owner *Unix

	mu       sync.Mutex
	listener *net.UnixListener
	closed   bool
}

func (e *unixEndpoint) Name() string { return e.name }

func (e *unixEndpoint) Mode() Mode { return e.mode }

func (e *unixEndpoint) Listen() error {
	if e.mode != ModeServer {
		return fmt.Errorf("listen %s: %w", e.name, ErrWrongMode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("listen %s: %w", e.name, ErrClosed)
	}
	if e.listener != nil {
		return nil
	}
	if err := removeStaleSocket(e.name); err != nil {
		return err
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: e.name, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.name, err)
	}
	listener.SetUnlinkOnClose(true)
	e.listener = listener
	return nil
}

func (e *unixEndpoint) Connect() (Stream, error) {
	if e.mode != ModeClient {
		return nil, fmt.Errorf("connect %s: %w", e.name, ErrWrongMode)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("connect %s: %w", e.name, ErrClosed)
	}
	conn, err := net.DialTimeout("unix", e.name, e.owner.opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", e.name, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("connect %s: unexpected connection type %T", e.name, conn)
	}
	return &UnixStream{conn: uc}, nil
}

func (e *unixEndpoint) Accept() (Stream, error) {
	if e.mode != ModeServer {
		return nil, fmt.Errorf("accept %s: %w", e.name, ErrWrongMode)
	}
	e.mu.Lock()
	listener := e.listener
	closed := e.closed
	e.mu.Unlock()
	if closed || listener == nil {
		return nil, fmt.Errorf("accept %s: %w", e.name, ErrClosed)
	}
	// Poll reported a pending connection; the deadline keeps a connection
	// reset before accept from parking the loop.
	_ = listener.SetDeadline(time.Now().Add(e.owner.opts.AcceptTimeout))
	defer listener.SetDeadline(time.Time{}) //nolint:errcheck
	conn, err := listener.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("accept %s: %w", e.name, err)
	}
	return &UnixStream{conn: conn}, nil
}

func (e *unixEndpoint) Close(graceful bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	listener := e.listener
	e.listener = nil
	e.mu.Unlock()

	defer e.owner.Interrupt()
	if listener == nil {
		return nil
	}
	err := listener.Close()
	if graceful {
		// The process is going away; nothing useful can be done with a close failure.
		return nil
	}
	if err != nil {
		return fmt.Errorf("close %s: %w", e.name, err)
	}
	return nil
}

func (e *unixEndpoint) fd() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.listener == nil {
		return -1, ErrClosed
	}
	return rawFD(e.listener)
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat socket %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}
	return nil
}

// UnixStream is a connected unix domain socket.
type UnixStream struct {
	conn *net.UnixConn
}

// NewUnixStream wraps an existing connection, e.g. one accepted by a tool.
func NewUnixStream(conn *net.UnixConn) *UnixStream {
	return &UnixStream{conn: conn}
}

func (s *UnixStream) Read(p []byte) (int, error) { return s.conn.Read(p) }

func (s *UnixStream) Write(p []byte) (int, error) { return s.conn.Write(p) }

func (s *UnixStream) Close() error { return s.conn.Close() }

func (s *UnixStream) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

func (s *UnixStream) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

func (s *UnixStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// SyscallConn exposes the descriptor for polling.
func (s *UnixStream) SyscallConn() (syscall.RawConn, error) { return s.conn.SyscallConn() }

// Conn returns the underlying connection.
func (s *UnixStream) Conn() *net.UnixConn { return s.conn }
