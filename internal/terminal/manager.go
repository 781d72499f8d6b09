package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

const (
	readBufferSize = 32 * 1024
	writeTimeout   = time.Second
)

// Resolver returns the running workspace for an owner.
// registry.Registry implements it.
type Resolver interface {
	Require(ctx context.Context, owner workspace.Owner) (*workspace.Workspace, error)
}

// Opener walks the transport chain of a workspace, handing each channel
// that opens to use until one succeeds. broker.Broker implements it.
type Opener interface {
	Try(ctx context.Context, ws *workspace.Workspace, use func(runtime.Channel) error) (runtime.Channel, error)
}

// Manager runs terminal sessions and tracks the live ones.
type Manager struct {
	resolver Resolver
	opener   Opener
	cfg      config.TerminalConfig
	audit    *audit.Logger
	now      func() time.Time
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditLogger records session starts and ends.
func WithAuditLogger(l *audit.Logger) Option {
	return func(m *Manager) { m.audit = l }
}

// WithClock replaces the time source used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(resolver Resolver, opener Opener, cfg config.TerminalConfig, opts ...Option) *Manager {
	m := &Manager{
		resolver: resolver,
		opener:   opener,
		cfg:      cfg,
		now:      time.Now,
		log:      logging.Component("terminal"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.GracePeriod <= 0 {
		m.cfg.GracePeriod = 5 * time.Second
	}
	return m
}

// Active returns the number of sessions not yet closed.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of the live sessions ordered by id.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Manager) untrack(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
}

// endReason is returned by a pump to end the session.
type endReason struct {
	reason string
	err    error // set when the session failed
}

func (e *endReason) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

// Serve runs one session for conn until the client leaves, the shell
// exits, the session idles out, or ctx is cancelled. Upstream and
// downstream are both closed before Serve returns. The returned error is
// nil for an orderly close.
func (m *Manager) Serve(ctx context.Context, owner workspace.Owner, conn Conn, size runtime.TermSize) error {
	s := newSession(uuid.NewString(), owner, m.now)
	m.track(s)
	defer m.untrack(s)

	out := &writer{conn: conn}
	defer conn.Close()

	log := m.log.With("session", s.ID, "owner", owner.Key())
	log.Debug("terminal connecting")

	ws, stream, transport, err := m.connect(ctx, owner, size)
	if err != nil {
		s.setState(StateFailed)
		log.Warn("terminal session failed to start", "error", err)
		m.fail(out, err)
		s.setState(StateClosed)
		return err
	}
	defer stream.Close()

	s.attach(ws, transport)
	log = log.With("namespace", ws.Namespace, "transport", transport)
	log.Info("terminal attached")
	m.event(ws, fmt.Sprintf("attached session=%s transport=%s", s.ID, transport))
	out.control(&Control{Type: ControlAttached, SessionID: s.ID, Transport: transport})

	end := m.pump(ctx, s, stream, conn, out)
	s.setState(StateClosed)

	log.Info("terminal closed", "reason", end.reason)
	m.event(ws, fmt.Sprintf("closed session=%s reason=%s", s.ID, end.reason))
	return end.err
}

// connect resolves the workspace and starts the shell on the first
// transport that can run one, falling back to the secondary shell on each.
// When channels opened but none could start a shell the error is
// SessionFailed rather than AccessUnavailable.
func (m *Manager) connect(ctx context.Context, owner workspace.Owner, size runtime.TermSize) (*workspace.Workspace, runtime.Stream, string, error) {
	ws, err := m.resolver.Require(ctx, owner)
	if err != nil {
		return nil, nil, "", err
	}

	shells := []string{m.cfg.Shell}
	if m.cfg.FallbackShell != "" && m.cfg.FallbackShell != m.cfg.Shell {
		shells = append(shells, m.cfg.FallbackShell)
	}

	var (
		stream runtime.Stream
		opened bool
	)
	ch, err := m.opener.Try(ctx, ws, func(ch runtime.Channel) error {
		opened = true
		var streamErr error
		for _, sh := range shells {
			if sh == "" {
				continue
			}
			st, err := ch.Stream(ctx, []string{sh}, size)
			if err == nil {
				stream = st
				return nil
			}
			m.log.Debug("shell failed to start", "transport", ch.Transport(), "shell", sh, "error", err)
			streamErr = err
		}
		if streamErr == nil {
			streamErr = fmt.Errorf("no shell configured")
		}
		return streamErr
	})
	if err != nil {
		if opened && errors.HasKind(err, errors.KindAccessUnavailable) {
			return ws, nil, "", errors.SessionFailed("failed to start shell", err)
		}
		return ws, nil, "", err
	}
	return ws, &channelStream{Stream: stream, ch: ch}, ch.Transport(), nil
}

// pump copies bytes both ways until the first end condition, then sends
// the closing frames, closes both ends, and waits for the pumps for at
// most the grace period.
func (m *Manager) pump(ctx context.Context, s *Session, stream runtime.Stream, conn Conn, out *writer) *endReason {
	g, gctx := errgroup.WithContext(ctx)

	var (
		once  sync.Once
		first *endReason
	)
	finish := func(e *endReason) error {
		once.Do(func() { first = e })
		return e
	}

	// Upstream: shell output to client.
	g.Go(func() error {
		buf := make([]byte, readBufferSize)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				s.touch()
				if werr := out.binary(buf[:n]); werr != nil {
					return finish(&endReason{reason: ReasonDisconnect})
				}
			}
			if err == io.EOF {
				return finish(&endReason{reason: ReasonExited})
			}
			if err != nil {
				if gctx.Err() != nil {
					return finish(&endReason{reason: ReasonShutdown})
				}
				return finish(&endReason{reason: ReasonFailed, err: err})
			}
		}
	})

	// Downstream: client input and control frames to the shell.
	g.Go(func() error {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return finish(&endReason{reason: ReasonDisconnect})
			}
			s.touch()
			switch mt {
			case websocket.BinaryMessage:
				if _, err := stream.Write(data); err != nil {
					return finish(&endReason{reason: ReasonFailed, err: err})
				}
			case websocket.TextMessage:
				c, err := ParseControl(data)
				if err != nil {
					m.log.Debug("ignoring control frame", "session", s.ID, "error", err)
					continue
				}
				switch c.Type {
				case ControlClose:
					return finish(&endReason{reason: ReasonClientClose})
				case ControlResize:
					if c.Cols > 0 && c.Rows > 0 {
						if err := stream.Resize(runtime.TermSize{Cols: c.Cols, Rows: c.Rows}); err != nil {
							m.log.Debug("resize failed", "session", s.ID, "error", err)
						}
					}
				case ControlPing:
					out.control(&Control{Type: ControlPong})
				}
			}
		}
	})

	// Idle watchdog and shutdown.
	g.Go(func() error {
		var tick <-chan time.Time
		if m.cfg.IdleTimeout > 0 {
			t := time.NewTicker(watchInterval(m.cfg.IdleTimeout))
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-gctx.Done():
				if ctx.Err() != nil {
					return finish(&endReason{reason: ReasonShutdown})
				}
				return nil
			case <-tick:
				if s.Idle() >= m.cfg.IdleTimeout {
					return finish(&endReason{reason: ReasonIdle})
				}
			}
		}
	})

	<-gctx.Done()
	once.Do(func() { first = &endReason{reason: ReasonShutdown} })

	s.setState(StateClosing)
	if first.err != nil {
		s.setState(StateFailed)
		m.fail(out, errors.SessionFailed("terminal stream failed", first.err))
	} else {
		out.control(&Control{Type: ControlClosed, Reason: first.reason})
		out.close(websocket.CloseNormalClosure, first.reason)
	}

	// Closing both ends unblocks the pumps.
	_ = stream.Close()
	_ = conn.Close()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.GracePeriod):
		m.log.Error("terminal pumps did not exit within grace period", "session", s.ID, "grace", m.cfg.GracePeriod)
	}
	return first
}

func watchInterval(idle time.Duration) time.Duration {
	d := idle / 10
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// fail sends an error frame followed by the closing frames.
func (m *Manager) fail(out *writer, err error) {
	kind := errors.KindOf(err)
	msg := err.Error()
	var fe *errors.ForageError
	if errors.As(err, &fe) {
		msg = fe.Message
	}
	out.control(&Control{Type: ControlError, Kind: string(kind), Message: msg})
	out.control(&Control{Type: ControlClosed, Reason: ReasonFailed})
	out.close(websocket.CloseInternalServerErr, string(kind))
}

func (m *Manager) event(ws *workspace.Workspace, details string) {
	if err := m.audit.LogEvent(audit.EventSession, ws.Namespace, ws.Owner.Key(), details); err != nil {
		m.log.Warn("audit log write failed", "namespace", ws.Namespace, "error", err)
	}
}

// channelStream closes its channel along with the stream.
type channelStream struct {
	runtime.Stream
	ch   runtime.Channel
	once sync.Once
}

func (c *channelStream) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Stream.Close()
		_ = c.ch.Close()
	})
	return err
}

// writer serializes writes to a Conn and drops them once the
// connection has failed or been closed.
type writer struct {
	mu     sync.Mutex
	conn   Conn
	broken bool
	closed bool
}

func (w *writer) write(mt int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken || w.closed {
		return io.ErrClosedPipe
	}
	if d, ok := w.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if err := w.conn.WriteMessage(mt, data); err != nil {
		w.broken = true
		return err
	}
	return nil
}

func (w *writer) binary(data []byte) error {
	return w.write(websocket.BinaryMessage, data)
}

func (w *writer) control(c *Control) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	_ = w.write(websocket.TextMessage, data)
}

func (w *writer) close(code int, reason string) {
	_ = w.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
