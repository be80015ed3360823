package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamestats-mongo/internal/domain"
	"github.com/gamestats-mongo/internal/store"
)

// EnsureStatsDocument guarantees a decodable stats document exists for the
// subject. It is idempotent and must complete before any increment is issued
// against the subject.
func (e *Engine) EnsureStatsDocument(ctx context.Context, s domain.Subject) error {
	_, err := e.ensure(ctx, s)
	return err
}

// ensure returns the subject's decoded document, inserting an empty one when
// it is absent and replacing it when it no longer decodes.
func (e *Engine) ensure(ctx context.Context, s domain.Subject) (domain.StatsDocument, error) {
	coll := e.statsCollection(s)
	empty := domain.StatsDocument{Subject: s, Stats: map[string]domain.StoredStat{}}

	raw, err := coll.FindOne(ctx, store.SubjectFilter(s))
	switch {
	case err == nil:
		doc, decodeErr := store.DecodeStatsDocument(s, raw)
		if decodeErr == nil {
			return doc, nil
		}
		if err := e.quarantineDocument(ctx, s, decodeErr); err != nil {
			return empty, err
		}
	case !errors.Is(err, store.ErrNoDocuments):
		return empty, fmt.Errorf("looking up stats for %s: %w", s, err)
	}

	if _, err := coll.InsertOne(ctx, store.NewStatsDocument(s)); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			e.logger.Warn().Str("subject", s.String()).Msg("stats document appeared between lookup and insert")
			return e.ensure(ctx, s)
		}
		return empty, fmt.Errorf("creating stats for %s: %w", s, err)
	}
	e.logger.Debug().Str("subject", s.String()).Msg("stats document created")
	return empty, nil
}

// QuarantineStatsDocument moves the subject's current document into the
// quarantine collection, recording cause as the reason.
func (e *Engine) QuarantineStatsDocument(ctx context.Context, s domain.Subject, cause error) error {
	return e.quarantineDocument(ctx, s, cause)
}

// quarantineDocument copies the subject's raw document into the quarantine
// collection and deletes the original. The document having vanished is
// logged and tolerated.
func (e *Engine) quarantineDocument(ctx context.Context, s domain.Subject, cause error) error {
	coll := e.statsCollection(s)
	log := e.logger.With().
		Str("subject", s.String()).
		Str("namespace", s.Namespace).
		Bool("global", s.Global).
		Str("cause", cause.Error()).
		Logger()

	raw, err := coll.FindOne(ctx, store.SubjectFilter(s))
	if errors.Is(err, store.ErrNoDocuments) {
		log.Warn().Msg("corrupt stats document vanished before quarantine")
		return nil
	}
	if err != nil {
		return fmt.Errorf("refetching corrupt stats for %s: %w", s, err)
	}

	now := e.now().UTC()
	record, err := store.QuarantineRecord(s, raw, cause, now)
	if err != nil {
		return err
	}
	id, err := store.DocumentID(raw)
	if err != nil {
		return fmt.Errorf("quarantining %s: %w", s, err)
	}

	quarantineID, err := e.quarantine.InsertOne(ctx, record)
	if err != nil {
		return fmt.Errorf("storing quarantine copy of %s: %w", s, err)
	}
	if err := coll.DeleteOne(ctx, store.IDFilter(id)); err != nil {
		if !errors.Is(err, store.ErrNoDocuments) {
			// The original stays in place, so the next ensure quarantines it again.
			if rerr := e.quarantine.DeleteOne(ctx, store.InsertedIDFilter(quarantineID)); rerr != nil {
				log.Error().Err(rerr).Str("quarantine_id", store.FormatID(quarantineID)).
					Msg("failed to withdraw quarantine copy")
			}
			return fmt.Errorf("removing corrupt stats for %s: %w", s, err)
		}
		log.Warn().Msg("corrupt stats document vanished during quarantine")
	}

	log.Warn().Str("quarantine_id", store.FormatID(quarantineID)).Msg("corrupt stats document quarantined")

	if e.observer != nil {
		event := domain.QuarantineEvent{
			Namespace:    s.Namespace,
			Global:       s.Global,
			Error:        cause.Error(),
			QuarantineID: store.FormatID(quarantineID),
			Timestamp:    now,
		}
		if !s.Global {
			event.Player = s.Player.String()
		}
		e.observer.StatsQuarantined(ctx, event)
	}
	return nil
}
