// Package registry manages stored scripts: named scripts persisted in
// Postgres, cached in Redis, validated at store time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kestrel-search/scripting/common/messaging"
	"github.com/kestrel-search/scripting/internal/script"
	"github.com/kestrel-search/scripting/internal/script/engine"
)

var (
	// ErrNotFound is returned when no stored script exists for an ID.
	ErrNotFound = errors.New("stored script not found")

	// ErrInvalidID is returned for empty or oversized script IDs.
	ErrInvalidID = errors.New("invalid script id")
)

const maxIDLength = 512

// Store is the persistence layer for stored scripts.
type Store interface {
	Put(ctx context.Context, stored *script.Stored) error
	Get(ctx context.Context, id string) (*script.Stored, error)
	Delete(ctx context.Context, id, deletedBy string) error
	List(ctx context.Context) ([]script.Stored, error)
}

// Publisher is the subset of the message bus the registry needs for cache
// invalidation fan-out. May be nil.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Service coordinates validation, persistence and caching of stored scripts.
type Service struct {
	engine *engine.Engine
	store  Store
	cache  *RedisCache // nil when Redis is disabled
	bus    Publisher   // nil when NATS is disabled
}

// NewService creates a registry service. cache and bus may be nil.
func NewService(eng *engine.Engine, store Store, cache *RedisCache, bus Publisher) *Service {
	return &Service{engine: eng, store: store, cache: cache, bus: bus}
}

func validateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return ErrInvalidID
	}
	return nil
}

// Put validates and persists a stored script. A script that does not compile
// is rejected; nothing is written.
func (s *Service) Put(ctx context.Context, id string, sc script.Script, createdBy string) (*script.Stored, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	sc = sc.Normalized()
	if _, err := s.engine.Compile(sc); err != nil {
		return nil, fmt.Errorf("store script %q: %w", id, err)
	}

	stored := &script.Stored{ID: id, Script: sc, CreatedBy: createdBy}
	if err := s.store.Put(ctx, stored); err != nil {
		return nil, err
	}

	s.invalidate(ctx, id)
	return stored, nil
}

// Get returns a stored script by ID, consulting the Redis cache first.
func (s *Service) Get(ctx context.Context, id string) (*script.Stored, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if stored, ok := s.cache.Get(ctx, id); ok {
			return stored, nil
		}
	}

	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, stored)
	}
	return stored, nil
}

// Delete removes a stored script.
func (s *Service) Delete(ctx context.Context, id, deletedBy string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id, deletedBy); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// List returns all stored scripts.
func (s *Service) List(ctx context.Context) ([]script.Stored, error) {
	return s.store.List(ctx)
}

// invalidate drops the local cache entry and tells other nodes to do the
// same. Failures here are logged, not returned: the write already happened.
func (s *Service) invalidate(ctx context.Context, id string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, id)
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, messaging.ScriptInvalidateSubject(id), []byte(id)); err != nil {
			slog.Warn("publish cache invalidation failed",
				slog.String("script_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// HandleInvalidation drops the cache entry named by an invalidation message.
// Wire it to the invalidation subject on nodes that cache stored scripts.
func (s *Service) HandleInvalidation(ctx context.Context, msg *messaging.Message) error {
	if s.cache == nil {
		return nil
	}
	s.cache.Invalidate(ctx, string(msg.Data))
	return nil
}
