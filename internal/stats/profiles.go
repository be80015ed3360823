package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamestats-mongo/internal/domain"
	"github.com/gamestats-mongo/internal/store"
	"github.com/google/uuid"
)

// GetProfile looks up a player profile, returning domain.ErrPlayerNotFound
// when the player has never been seen.
func (e *Engine) GetProfile(ctx context.Context, id uuid.UUID) (*domain.PlayerProfile, error) {
	if e.cache != nil {
		profile, err := e.cache.GetProfile(ctx, id)
		if err != nil {
			e.logger.Warn().Err(err).Str("player", id.String()).Msg("profile cache read failed")
		} else if profile != nil {
			return profile, nil
		}
	}

	profile, err := e.loadProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheProfile(ctx, profile)
	return profile, nil
}

func (e *Engine) loadProfile(ctx context.Context, id uuid.UUID) (*domain.PlayerProfile, error) {
	raw, err := e.profiles.FindOne(ctx, store.ProfileFilter(id))
	if errors.Is(err, store.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching profile %s: %w", id, err)
	}
	profile, err := store.DecodeProfile(raw)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", id, err)
	}
	return profile, nil
}

// EnsureProfile creates the profile if it is missing and brings its username
// up to date when a different one is supplied. It is the only write path for
// profiles.
func (e *Engine) EnsureProfile(ctx context.Context, id uuid.UUID, username *string) (*domain.PlayerProfile, error) {
	profile, err := e.loadProfile(ctx, id)
	switch {
	case errors.Is(err, domain.ErrPlayerNotFound):
		profile = &domain.PlayerProfile{UUID: id, Username: username}
		if _, err := e.profiles.InsertOne(ctx, store.EncodeProfile(profile)); err != nil {
			if !errors.Is(err, store.ErrDuplicateKey) {
				return nil, fmt.Errorf("creating profile %s: %w", id, err)
			}
			// Created out of band since the lookup.
			e.logger.Warn().Str("player", id.String()).Msg("profile appeared between lookup and insert")
			return e.EnsureProfile(ctx, id, username)
		}
		e.logger.Debug().Str("player", id.String()).Msg("profile created")
	case err != nil:
		return nil, err
	case username != nil && (profile.Username == nil || *profile.Username != *username):
		if err := e.profiles.UpdateOne(ctx, store.ProfileFilter(id), store.SetUsername(*username)); err != nil {
			return nil, fmt.Errorf("updating profile %s: %w", id, err)
		}
		name := *username
		profile.Username = &name
		e.logger.Debug().Str("player", id.String()).Str("username", name).Msg("profile username updated")
	default:
		return profile, nil
	}

	e.cacheProfile(ctx, profile)
	return profile, nil
}

func (e *Engine) cacheProfile(ctx context.Context, profile *domain.PlayerProfile) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetProfile(ctx, profile); err != nil {
		e.logger.Warn().Err(err).Str("player", profile.UUID.String()).Msg("profile cache write failed")
	}
}
