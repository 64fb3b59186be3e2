package watch

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"retouch/internal/domain"
	"retouch/internal/infra"
)

// State enumerates the session state machine. Polling is the initial state;
// Found and TimedOut are terminal.
type State string

const (
	StatePolling  State = "polling"
	StateFound    State = "found"
	StateTimedOut State = "timed_out"
)

const (
	DefaultDuration = 20 * time.Second
	DefaultInterval = 2 * time.Second
)

// RefreshFunc retrieves the current sku snapshot.
type RefreshFunc func(ctx context.Context) (*domain.SkuView, error)

// FrameFunc receives an immutable frame snapshot observed by a tick.
type FrameFunc func(frame domain.Frame)

// Options configures a Watcher.
type Options struct {
	Duration time.Duration
	Interval time.Duration
	Logger   *infra.Logger
}

// Watcher starts time-bounded poll sessions that reconcile a frame's local
// view against backend state.
type Watcher struct {
	duration time.Duration
	interval time.Duration
	logger   *infra.Logger
}

// New constructs a watcher, applying the 20s/2s defaults.
func New(opts Options) *Watcher {
	duration := opts.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Watcher{duration: duration, interval: interval, logger: logger}
}

// Session is one bounded poll loop waiting for a frame's generation job to
// produce a new result. It is ephemeral and never persisted.
type Session struct {
	ID        string
	FrameID   int64
	Baseline  int
	StartedAt time.Time
	Deadline  time.Time

	mu    sync.Mutex
	state State
	frame *domain.Frame
	err   error
	done  chan struct{}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session stops scheduling ticks, whether it reached
// a terminal state or its hosting context was torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the terminal state and, for Found, the observed frame
// snapshot. The error is non-nil only when the hosting context was torn
// down before the session could reach a terminal state.
func (s *Session) Result() (State, *domain.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.frame, s.err
}

// Wait blocks until the session stops.
func (s *Session) Wait(ctx context.Context) (State, *domain.Frame, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		return s.State(), nil, ctx.Err()
	}
}

func (s *Session) finish(state State, frame *domain.Frame, err error) {
	s.mu.Lock()
	s.state = state
	s.frame = frame
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// Start launches a session for the frame. A tick refreshes the sku view and
// finishes Found when the frame's version count exceeds the baseline or its
// status reached done; it finishes TimedOut when the deadline passes first.
// Transient refresh errors are swallowed. onFrame, when set, receives a
// frame snapshot for every successful observation; it is never invoked after
// the hosting context is cancelled.
func (w *Watcher) Start(ctx context.Context, frameID int64, baseline int, refresh RefreshFunc, onFrame FrameFunc) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		FrameID:   frameID,
		Baseline:  baseline,
		StartedAt: now,
		Deadline:  now.Add(w.duration),
		state:     StatePolling,
		done:      make(chan struct{}),
	}
	go w.run(ctx, s, refresh, onFrame)
	return s
}

func (w *Watcher) run(ctx context.Context, s *Session, refresh RefreshFunc, onFrame FrameFunc) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Hosting scope torn down: stop scheduling ticks without
			// reaching a terminal outcome.
			s.finish(s.State(), nil, ctx.Err())
			return
		case now := <-ticker.C:
			if now.After(s.Deadline) {
				w.logger.Debug().Str("session", s.ID).Int64("frame", s.FrameID).Msg("watch: timed out")
				s.finish(StateTimedOut, nil, nil)
				return
			}
			view, err := refresh(ctx)
			if err != nil {
				// Transient poll failure: retried silently until the deadline.
				w.logger.Debug().Err(err).Str("session", s.ID).Msg("watch: refresh failed, retrying")
				continue
			}
			frame := view.FrameByID(s.FrameID)
			if frame == nil {
				w.logger.Debug().Str("session", s.ID).Int64("frame", s.FrameID).Msg("watch: frame missing from view")
				continue
			}
			// Liveness guard: a late tick must not apply effects into a
			// torn-down scope.
			if ctx.Err() != nil {
				s.finish(s.State(), nil, ctx.Err())
				return
			}
			snapshot := frame.Clone()
			if onFrame != nil {
				onFrame(snapshot)
			}
			if frame.VersionCount() > s.Baseline || frame.Status == domain.StatusDone {
				w.logger.Debug().
					Str("session", s.ID).
					Int64("frame", s.FrameID).
					Int("baseline", s.Baseline).
					Int("versions", frame.VersionCount()).
					Msg("watch: new result detected")
				s.finish(StateFound, &snapshot, nil)
				return
			}
		}
	}
}
