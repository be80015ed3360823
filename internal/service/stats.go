package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/gamestats-mongo/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the stats engine driven by the service. Its ensure-then-increment
// sequences are only safe while one goroutine calls it at a time.
type Engine interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*domain.PlayerProfile, error)
	EnsureProfile(ctx context.Context, id uuid.UUID, username *string) (*domain.PlayerProfile, error)
	GetPlayerStats(ctx context.Context, id uuid.UUID, namespace *string) (domain.PlayerStats, error)
	GetGlobalStats(ctx context.Context, namespace string) (map[string]float64, error)
	UploadBundle(ctx context.Context, bundle *domain.UploadBundle) (*domain.UploadSummary, error)
	Ping(ctx context.Context) error
}

// UploadRecorder keeps an audit trail of accepted uploads
type UploadRecorder interface {
	RecordUpload(ctx context.Context, bundle *domain.UploadBundle, summary *domain.UploadSummary) error
}

// UpdateNotifier is told about every accepted upload
type UpdateNotifier interface {
	NotifyStatsUpdate(summary *domain.UploadSummary)
}

// StatsService serializes every stats operation through a single worker.
//
// Requests queue in an unbounded FIFO mailbox and run one at a time, each to
// completion, in arrival order. The engine is touched by nothing else, so
// no two ensure-then-increment sequences for one subject can interleave.
// Running the worker in more than one goroutine, or handing the engine to
// another caller, breaks that guarantee.
type StatsService struct {
	engine   Engine
	recorder UploadRecorder
	notifier UpdateNotifier
	logger   zerolog.Logger

	mu      sync.Mutex
	queue   []*job
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

type job struct {
	ctx  context.Context
	name string
	run  func(ctx context.Context)
}

// Option configures a StatsService
type Option func(*StatsService)

// WithUploadRecorder records every accepted upload
func WithUploadRecorder(r UploadRecorder) Option {
	return func(s *StatsService) { s.recorder = r }
}

// WithUpdateNotifier notifies n of every accepted upload
func WithUpdateNotifier(n UpdateNotifier) Option {
	return func(s *StatsService) { s.notifier = n }
}

// NewStatsService creates a stats service. Requests are not served until
// Run is called.
func NewStatsService(engine Engine, logger zerolog.Logger, opts ...Option) *StatsService {
	s := &StatsService{
		engine: engine,
		logger: logger.With().Str("component", "stats_service").Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes queued requests until ctx is cancelled. Requests still
// queued at that point fail with domain.ErrServiceStopped.
func (s *StatsService) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info().Msg("stats worker started")

	for {
		j, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				s.stop()
				s.logger.Info().Msg("stats worker stopped")
				return nil
			case <-s.wake:
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.queue = append([]*job{j}, s.queue...)
			s.mu.Unlock()
			s.stop()
			s.logger.Info().Msg("stats worker stopped")
			return nil
		default:
		}

		s.execute(j)
	}
}

// Done is closed once Run has returned
func (s *StatsService) Done() <-chan struct{} {
	return s.done
}

// Pending returns the number of queued requests
func (s *StatsService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *StatsService) next() (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	j := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return j, true
}

func (s *StatsService) stop() {
	s.mu.Lock()
	s.stopped = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, j := range pending {
		j.run(nil)
	}
}

// execute runs one request. A caller that gave up before its turn is
// skipped; once started, a request runs to completion regardless of its
// caller so a bundle is never left half applied.
func (s *StatsService) execute(j *job) {
	if j.ctx.Err() != nil {
		s.logger.Debug().Str("request", j.name).Msg("skipping abandoned request")
		j.run(nil)
		return
	}
	j.run(context.WithoutCancel(j.ctx))
}

func (s *StatsService) enqueue(j *job) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return domain.ErrServiceStopped
	}
	s.queue = append(s.queue, j)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

type result[T any] struct {
	value T
	err   error
}

// call queues fn on the worker and waits for its result or for ctx to end.
// fn receives a nil context when the request is dropped without running.
func call[T any](ctx context.Context, s *StatsService, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	out := make(chan result[T], 1)
	j := &job{
		ctx:  ctx,
		name: name,
		run: func(runCtx context.Context) {
			if runCtx == nil {
				var zero T
				if err := ctx.Err(); err != nil {
					out <- result[T]{value: zero, err: err}
				} else {
					out <- result[T]{value: zero, err: domain.ErrServiceStopped}
				}
				return
			}
			v, err := fn(runCtx)
			out <- result[T]{value: v, err: err}
		},
	}

	var zero T
	if err := s.enqueue(j); err != nil {
		return zero, err
	}

	select {
	case r := <-out:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// GetProfile returns a player's profile
func (s *StatsService) GetProfile(ctx context.Context, id uuid.UUID) (*domain.PlayerProfile, error) {
	return call(ctx, s, "get_profile", func(ctx context.Context) (*domain.PlayerProfile, error) {
		return s.engine.GetProfile(ctx, id)
	})
}

// UpdateProfile creates or renames a player
func (s *StatsService) UpdateProfile(ctx context.Context, id uuid.UUID, username string) (*domain.PlayerProfile, error) {
	return call(ctx, s, "update_profile", func(ctx context.Context) (*domain.PlayerProfile, error) {
		return s.engine.EnsureProfile(ctx, id, &username)
	})
}

// GetPlayerStats returns a player's stats, for one namespace when namespace
// is set or for all of them otherwise
func (s *StatsService) GetPlayerStats(ctx context.Context, id uuid.UUID, namespace *string) (domain.PlayerStats, error) {
	return call(ctx, s, "get_player_stats", func(ctx context.Context) (domain.PlayerStats, error) {
		return s.engine.GetPlayerStats(ctx, id, namespace)
	})
}

// GetGlobalStats returns the global stats of a namespace
func (s *StatsService) GetGlobalStats(ctx context.Context, namespace string) (map[string]float64, error) {
	return call(ctx, s, "get_global_stats", func(ctx context.Context) (map[string]float64, error) {
		return s.engine.GetGlobalStats(ctx, namespace)
	})
}

// UploadStats applies an upload bundle. The audit record and update
// notification happen after the worker is released.
func (s *StatsService) UploadStats(ctx context.Context, bundle *domain.UploadBundle) (*domain.UploadSummary, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	summary, err := call(ctx, s, "upload_stats", func(ctx context.Context) (*domain.UploadSummary, error) {
		return s.engine.UploadBundle(ctx, bundle)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("server_name", summary.ServerName).
		Str("namespace", summary.Namespace).
		Int("players", len(summary.Players)).
		Int("stats", summary.StatCount).
		Msg("stats uploaded")

	if s.recorder != nil {
		if err := s.recorder.RecordUpload(context.WithoutCancel(ctx), bundle, summary); err != nil {
			// The upload is already applied; the audit row is best effort.
			s.logger.Warn().Err(err).Str("namespace", summary.Namespace).Msg("failed to record upload")
		}
	}
	if s.notifier != nil {
		s.notifier.NotifyStatsUpdate(summary)
	}
	return summary, nil
}

// Ping checks store connectivity from the worker
func (s *StatsService) Ping(ctx context.Context) error {
	_, err := call(ctx, s, "ping", func(ctx context.Context) (struct{}, error) {
		if err := s.engine.Ping(ctx); err != nil {
			return struct{}{}, fmt.Errorf("store ping: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}
