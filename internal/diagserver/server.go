package diagserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"diagport/internal/journal"
	"diagport/internal/logging"
	"diagport/internal/streamfactory"
)

// DefaultErrorPause is the wait after a failed poll.
const DefaultErrorPause = 100 * time.Millisecond

// Recorder persists session lifecycles. *journal.Journal satisfies it.
type Recorder interface {
	Begin(ctx context.Context, endpoint, mode string) (int64, error)
	Finish(ctx context.Context, id int64, command string, outcome journal.Outcome, errMsg string) error
}

// SessionObserver receives one call per finished session.
type SessionObserver interface {
	SessionServed(command, outcome string, elapsed time.Duration)
}

// Options configures a Server. Zero values select defaults.
type Options struct {
	Recorder   Recorder
	Sessions   SessionObserver
	Logger     *slog.Logger
	Clock      clock.Clock
	ErrorPause time.Duration
}

// Stats summarizes the sessions a Server has handled.
type Stats struct {
	Served     uint64    `json:"served"`
	Failed     uint64    `json:"failed"`
	PollErrors uint64    `json:"poll_errors"`
	LastServed time.Time `json:"last_served,omitzero"`
}

// Server claims streams from a factory and serves them one at a time.
type Server struct {
	factory  *streamfactory.Factory
	handler  Handler
	recorder Recorder
	sessions SessionObserver
	logger   *slog.Logger
	clock    clock.Clock
	pause    time.Duration

	served     atomic.Uint64
	failed     atomic.Uint64
	pollErrors atomic.Uint64
	lastServed atomic.Int64
}

// New builds a server over factory.
func New(factory *streamfactory.Factory, handler Handler, opts Options) (*Server, error) {
	if factory == nil || handler == nil {
		return nil, errors.New("diagnostic server requires a stream factory and handler")
	}
	s := &Server{
		factory:  factory,
		handler:  handler,
		recorder: opts.Recorder,
		sessions: opts.Sessions,
		logger:   opts.Logger,
		clock:    opts.Clock,
		pause:    opts.ErrorPause,
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	s.logger = logging.NewComponentLogger(s.logger, "diagserver")
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.pause <= 0 {
		s.pause = DefaultErrorPause
	}
	return s, nil
}

// Run serves streams until ctx is cancelled, the factory shuts down, or no
// ports remain. It returns nil on those orderly exits.
func (s *Server) Run(ctx context.Context) error {
	onError := logging.ErrorFuncFor(s.logger)
	for {
		if ctx.Err() != nil || s.factory.IsShutdown() {
			return nil
		}
		if !s.factory.HasActiveConnections() {
			s.logger.Info("no diagnostic ports registered; dispatcher stopping")
			return nil
		}

		claim, err := s.factory.NextClaim(ctx, onError)
		switch {
		case err == nil:
		case errors.Is(err, streamfactory.ErrShutdown), ctx.Err() != nil:
			return nil
		case errors.Is(err, streamfactory.ErrNoEndpoints):
			return nil
		default:
			s.pollErrors.Add(1)
			logging.WarnWithContext(s.logger, "diagnostic port poll failed", "poll_failed",
				logging.String(logging.FieldErrorHint, "the dispatcher retries after a short pause"),
				logging.Duration("pause", s.pause),
				logging.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(s.pause):
			}
			continue
		}
		s.serve(ctx, claim)
	}
}

func (s *Server) serve(ctx context.Context, claim streamfactory.Claim) {
	start := s.clock.Now()
	mode := claim.Mode.String()

	var id int64
	if s.recorder != nil {
		var err error
		if id, err = s.recorder.Begin(ctx, claim.Endpoint, mode); err != nil {
			s.logger.Warn("session journal begin failed", logging.Error(err))
			id = 0
		}
	}

	command, serveErr := s.handler.Serve(ctx, claim)
	_ = claim.Stream.Close()
	elapsed := s.clock.Since(start)

	outcome := journal.OutcomeOK
	errMsg := ""
	if serveErr != nil {
		outcome = journal.OutcomeFailed
		errMsg = serveErr.Error()
		s.failed.Add(1)
	} else {
		s.served.Add(1)
	}
	s.lastServed.Store(s.clock.Now().UnixNano())

	if id != 0 {
		// Finish uses a fresh context so cancellation mid-session still closes the row.
		if err := s.recorder.Finish(context.WithoutCancel(ctx), id, command, outcome, errMsg); err != nil {
			s.logger.Warn("session journal finish failed", logging.Error(err))
		}
	}
	if s.sessions != nil {
		s.sessions.SessionServed(command, string(outcome), elapsed)
	}

	attrs := []any{
		logging.Endpoint(claim.Endpoint),
		logging.EndpointMode(mode),
		logging.String(logging.FieldCommand, command),
		logging.Duration("elapsed", elapsed),
	}
	if id != 0 {
		attrs = append(attrs, logging.Int64(logging.FieldSessionID, id))
	}
	if serveErr != nil {
		attrs = append(attrs, logging.Error(serveErr))
		s.logger.Info("diagnostic session failed", attrs...)
		return
	}
	s.logger.Info("diagnostic session served", attrs...)
}

// Stats returns session counters.
func (s *Server) Stats() Stats {
	st := Stats{
		Served:     s.served.Load(),
		Failed:     s.failed.Load(),
		PollErrors: s.pollErrors.Load(),
	}
	if ns := s.lastServed.Load(); ns != 0 {
		st.LastServed = time.Unix(0, ns)
	}
	return st
}

func (st Stats) String() string {
	return fmt.Sprintf("served=%d failed=%d poll_errors=%d", st.Served, st.Failed, st.PollErrors)
}
