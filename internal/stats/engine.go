// Package stats is the ingestion and aggregation engine: it keeps player
// profiles, guarantees a stats document exists before incrementing it,
// quarantines documents that no longer decode, and answers stats queries.
//
// An Engine is not safe for concurrent use. The ensure-then-increment
// sequence is only race-free while a single goroutine drives the engine;
// internal/service provides that goroutine.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gamestats-mongo/internal/domain"
	"github.com/gamestats-mongo/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProfileCache is a read-through cache in front of the profiles collection
type ProfileCache interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*domain.PlayerProfile, error)
	SetProfile(ctx context.Context, profile *domain.PlayerProfile) error
}

// QuarantineObserver is told about every quarantined document
type QuarantineObserver interface {
	StatsQuarantined(ctx context.Context, event domain.QuarantineEvent)
}

// Engine implements the stats operations against a document store
type Engine struct {
	profiles    store.Collection
	playerStats store.Collection
	globalStats store.Collection
	quarantine  store.Collection

	cache    ProfileCache
	observer QuarantineObserver
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithProfileCache puts a cache in front of profile lookups
func WithProfileCache(cache ProfileCache) Option {
	return func(e *Engine) { e.cache = cache }
}

// WithQuarantineObserver reports quarantined documents to o
func WithQuarantineObserver(o QuarantineObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over db
func NewEngine(db store.Database, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		profiles:    db.Collection(store.PlayersCollection),
		playerStats: db.Collection(store.PlayerStatsCollection),
		globalStats: db.Collection(store.GlobalStatsCollection),
		quarantine:  db.Collection(store.QuarantineCollection),
		logger:      logger.With().Str("component", "stats").Logger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) statsCollection(s domain.Subject) store.Collection {
	if s.Global {
		return e.globalStats
	}
	return e.playerStats
}

// UploadBundle applies every incremental update in the bundle.
//
// The bundle is validated before any document is touched. Every target
// document is then ensured, including those of subjects with an empty update
// set. A subject whose stored stat would change kind has its document
// quarantined and recreated before its update is applied. Only then are
// mutations issued, one atomic update per subject.
func (e *Engine) UploadBundle(ctx context.Context, bundle *domain.UploadBundle) (*domain.UploadSummary, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	type pending struct {
		subject  domain.Subject
		mutation domain.Mutation
	}
	var plan []pending

	players := bundle.PlayerIDs()
	for _, id := range players {
		if _, err := e.EnsureProfile(ctx, id, nil); err != nil {
			return nil, err
		}
		updates := bundle.Stats.Players[id]
		subject := domain.PlayerSubject(id, bundle.Namespace)
		m, err := e.prepare(ctx, subject, updates)
		if err != nil {
			return nil, err
		}
		plan = append(plan, pending{subject: subject, mutation: m})
	}

	if bundle.HasGlobal() {
		subject := domain.GlobalSubject(bundle.Namespace)
		m, err := e.prepare(ctx, subject, bundle.Stats.Global)
		if err != nil {
			return nil, err
		}
		plan = append(plan, pending{subject: subject, mutation: m})
	}

	for _, p := range plan {
		if err := e.apply(ctx, p.subject, p.mutation); err != nil {
			return nil, err
		}
	}

	e.logger.Debug().
		Str("server_name", bundle.ServerName).
		Str("namespace", bundle.Namespace).
		Int("players", len(players)).
		Int("stats", bundle.StatCount()).
		Msg("stats bundle applied")

	return &domain.UploadSummary{
		ServerName: bundle.ServerName,
		Namespace:  bundle.Namespace,
		Players:    players,
		StatCount:  bundle.StatCount(),
		Global:     bundle.HasGlobal(),
	}, nil
}

// prepare ensures the subject's document and builds its mutation. A kind
// mismatch is handled as corruption of the subject's document.
func (e *Engine) prepare(ctx context.Context, s domain.Subject, updates domain.StatUpdates) (domain.Mutation, error) {
	doc, err := e.ensure(ctx, s)
	if err != nil {
		return domain.Mutation{}, err
	}
	if mismatch := doc.CheckKinds(updates); mismatch != nil {
		// The stored shape would no longer decode after this update.
		if err := e.quarantineDocument(ctx, s, mismatch); err != nil {
			return domain.Mutation{}, err
		}
		if _, err := e.ensure(ctx, s); err != nil {
			return domain.Mutation{}, err
		}
	}
	return domain.BuildMutation(updates)
}

func (e *Engine) apply(ctx context.Context, s domain.Subject, m domain.Mutation) error {
	if m.IsEmpty() {
		return nil
	}
	err := e.statsCollection(s).UpdateOne(ctx, store.SubjectFilter(s), store.EncodeMutation(m))
	if err != nil {
		return fmt.Errorf("incrementing stats for %s: %w", s, err)
	}
	return nil
}

// GetPlayerStats returns a player's decoded stats, for one namespace or for
// all of them. A known player without stats in the requested namespace gets
// an empty mapping for it; an unknown player gets domain.ErrPlayerNotFound.
func (e *Engine) GetPlayerStats(ctx context.Context, id uuid.UUID, namespace *string) (domain.PlayerStats, error) {
	if _, err := e.GetProfile(ctx, id); err != nil {
		return nil, err
	}

	result := domain.PlayerStats{}
	if namespace != nil {
		values, err := e.readSubject(ctx, domain.PlayerSubject(id, *namespace))
		if err != nil && !errors.Is(err, store.ErrNoDocuments) {
			return nil, err
		}
		if values == nil {
			values = map[string]float64{}
		}
		result[*namespace] = values
		return result, nil
	}

	docs, err := e.playerStats.Find(ctx, store.PlayerFilter(id))
	if err != nil {
		return nil, fmt.Errorf("listing stats for %s: %w", id, err)
	}
	for _, raw := range docs {
		ns, ok := raw.Lookup("namespace").StringValueOK()
		if !ok {
			e.logger.Warn().Str("player", id.String()).Msg("stats document without namespace skipped")
			continue
		}
		subject := domain.PlayerSubject(id, ns)
		doc, err := store.DecodeStatsDocument(subject, raw)
		if err != nil {
			if qerr := e.quarantineDocument(ctx, subject, err); qerr != nil {
				return nil, qerr
			}
			continue
		}
		result[ns] = doc.Values()
	}
	return result, nil
}

// GetGlobalStats returns the decoded global stats of a namespace
func (e *Engine) GetGlobalStats(ctx context.Context, namespace string) (map[string]float64, error) {
	values, err := e.readSubject(ctx, domain.GlobalSubject(namespace))
	if errors.Is(err, store.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNamespaceNotFound, namespace)
	}
	return values, err
}

// readSubject decodes a subject's document. A document that fails to decode
// is quarantined and reported as absent.
func (e *Engine) readSubject(ctx context.Context, s domain.Subject) (map[string]float64, error) {
	raw, err := e.statsCollection(s).FindOne(ctx, store.SubjectFilter(s))
	if err != nil {
		return nil, err
	}
	doc, err := store.DecodeStatsDocument(s, raw)
	if err != nil {
		if qerr := e.quarantineDocument(ctx, s, err); qerr != nil {
			return nil, qerr
		}
		return nil, fmt.Errorf("reading %s: %w", s, store.ErrNoDocuments)
	}
	return doc.Values(), nil
}

// Ping checks store connectivity through the profiles collection
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.profiles.FindOne(ctx, store.ProfileFilter(uuid.Nil))
	if err != nil && !errors.Is(err, store.ErrNoDocuments) {
		return err
	}
	return nil
}
