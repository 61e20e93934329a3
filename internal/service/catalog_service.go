package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

// CatalogService reads test definitions through a Redis cache.
// A nil Redis client disables caching.
type CatalogService struct {
	tests TestStore
	rdb   *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(tests TestStore, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CatalogService {
	return &CatalogService{
		tests: tests,
		rdb:   rdb,
		ttl:   ttl,
		log:   log.With().Str("component", "catalog_service").Logger(),
	}
}

// GetTest returns the full definition, answer keys included.
func (s *CatalogService) GetTest(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	key := config.CacheKey.TestDefinitionKey(id.String())

	if s.rdb != nil {
		data, err := s.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var def model.TestDefinition
			if err := json.Unmarshal(data, &def); err == nil {
				return &def, nil
			}
			s.log.Warn().Str("test_id", id.String()).Msg("Discarding undecodable cached test definition")
		case !errors.Is(err, redis.Nil):
			s.log.Warn().Err(err).Str("test_id", id.String()).Msg("Test cache read failed, falling back to store")
		}
	}

	def, err := s.tests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("get test: %w", err)
	}

	if s.rdb != nil {
		if data, err := json.Marshal(def); err == nil {
			if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
				s.log.Warn().Err(err).Str("test_id", id.String()).Msg("Failed to cache test definition")
			}
		}
	}
	return def, nil
}
