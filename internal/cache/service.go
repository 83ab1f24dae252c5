package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultMaxAge bounds unbounded cache growth while tolerating long offline
// stretches. Callers may override per call.
const DefaultMaxAge = 30 * 24 * time.Hour

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps a cache failure with a stable machine-readable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "cache.service.new"
	opCacheEntity    = "cache.cache_entity"
	opEntities       = "cache.entities_for_scope"
	opEntity         = "cache.entity"
	opClearExpired   = "cache.clear_expired"
	opUpsertSnapshot = "cache.upsert_scope_snapshot"
	opSnapshot       = "cache.scope_snapshot"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the cache service dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the time-boxed read cache over the durable store: per-entity
// snapshots with lazy expiry plus whole-scope overview snapshots.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a cache service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CacheEntityRequest describes one entity snapshot to upsert.
type CacheEntityRequest struct {
	EntityType  string
	EntityID    string
	ScopeID     string
	PayloadJSON string
	Version     *int64
}

// CacheEntity upserts a read snapshot for one remote entity.
func (s *Service) CacheEntity(ctx context.Context, request CacheEntityRequest) error {
	entityType := strings.TrimSpace(request.EntityType)
	entityID := strings.TrimSpace(request.EntityID)
	if entityType == "" || entityID == "" {
		return newServiceError(opCacheEntity, "invalid_key", ErrInvalidCacheKey)
	}
	scopeID := strings.TrimSpace(request.ScopeID)
	if scopeID == "" {
		return newServiceError(opCacheEntity, "invalid_scope_id", ErrInvalidScopeID)
	}

	record := CachedEntity{
		EntityType:  entityType,
		EntityID:    entityID,
		ScopeID:     scopeID,
		PayloadJSON: request.PayloadJSON,
		CachedAtMs:  s.clock().UTC().UnixMilli(),
		Version:     request.Version,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opCacheEntity, "upsert_failed", err,
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID))
		return newServiceError(opCacheEntity, "upsert_failed", err)
	}
	return nil
}

// EntitiesForScope returns all non-expired cached entities for a scope,
// optionally filtered by entity type. Expired records are excluded from the
// result but not deleted here.
func (s *Service) EntitiesForScope(ctx context.Context, scopeID, entityType string, maxAge time.Duration) ([]CachedEntity, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, newServiceError(opEntities, "invalid_scope_id", ErrInvalidScopeID)
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := s.clock().UTC().UnixMilli() - maxAge.Milliseconds()

	query := s.db.WithContext(ctx).
		Where("scope_id = ? AND cached_at_ms >= ?", scopeID, cutoff).
		Order("cached_at_ms DESC")
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}

	var entities []CachedEntity
	if err := query.Find(&entities).Error; err != nil {
		s.logError(opEntities, "query_failed", err, zap.String("scope_id", scopeID))
		return nil, newServiceError(opEntities, "query_failed", err)
	}
	return entities, nil
}

// Entity returns one cached entity, or nil when absent. A record found past
// its max age is deleted as a side effect and reported as absent (lazy
// eviction on read).
func (s *Service) Entity(ctx context.Context, entityType, entityID string, maxAge time.Duration) (*CachedEntity, error) {
	entityType = strings.TrimSpace(entityType)
	entityID = strings.TrimSpace(entityID)
	if entityType == "" || entityID == "" {
		return nil, newServiceError(opEntity, "invalid_key", ErrInvalidCacheKey)
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	var record CachedEntity
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opEntity, "select_failed", err,
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID))
		return nil, newServiceError(opEntity, "select_failed", err)
	}

	age := s.clock().UTC().UnixMilli() - record.CachedAtMs
	if age > maxAge.Milliseconds() {
		if err := s.db.WithContext(ctx).Delete(&record).Error; err != nil {
			s.logError(opEntity, "evict_failed", err,
				zap.String("entity_type", entityType),
				zap.String("entity_id", entityID))
			return nil, newServiceError(opEntity, "evict_failed", err)
		}
		s.logger.Debug("evicted expired cache entry",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID))
		return nil, nil
	}
	return &record, nil
}

// ClearExpired sweeps the whole cache collection and deletes entries older
// than the threshold, returning how many were removed. Intended for periodic
// maintenance such as daemon activation, not the hot path.
func (s *Service) ClearExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := s.clock().UTC().UnixMilli() - maxAge.Milliseconds()

	result := s.db.WithContext(ctx).Where("cached_at_ms < ?", cutoff).Delete(&CachedEntity{})
	if result.Error != nil {
		s.logError(opClearExpired, "delete_failed", result.Error)
		return 0, newServiceError(opClearExpired, "delete_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("expired cache entries cleared", zap.Int64("removed", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// SnapshotRequest describes a whole-scope overview snapshot.
type SnapshotRequest struct {
	ScopeID  string
	Features map[string]json.RawMessage
}

// UpsertScopeSnapshot overwrites the single overview record for a scope.
// Staleness decisions are left to the reader via UpdatedAtMs; there is no
// expiry logic on snapshots.
func (s *Service) UpsertScopeSnapshot(ctx context.Context, request SnapshotRequest) error {
	scopeID := strings.TrimSpace(request.ScopeID)
	if scopeID == "" {
		return newServiceError(opUpsertSnapshot, "invalid_scope_id", ErrInvalidScopeID)
	}

	features := request.Features
	if features == nil {
		features = map[string]json.RawMessage{}
	}
	encoded, err := json.Marshal(features)
	if err != nil {
		return newServiceError(opUpsertSnapshot, "encode_failed", err)
	}

	record := ScopeSnapshot{
		ScopeID:      scopeID,
		FeaturesJSON: string(encoded),
		UpdatedAtMs:  s.clock().UTC().UnixMilli(),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opUpsertSnapshot, "upsert_failed", err, zap.String("scope_id", scopeID))
		return newServiceError(opUpsertSnapshot, "upsert_failed", err)
	}
	return nil
}

// ScopeSnapshot returns the overview snapshot for a scope, or nil when absent.
func (s *Service) ScopeSnapshot(ctx context.Context, scopeID string) (*ScopeSnapshot, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, newServiceError(opSnapshot, "invalid_scope_id", ErrInvalidScopeID)
	}

	var record ScopeSnapshot
	err := s.db.WithContext(ctx).Where("scope_id = ?", scopeID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opSnapshot, "select_failed", err, zap.String("scope_id", scopeID))
		return nil, newServiceError(opSnapshot, "select_failed", err)
	}
	return &record, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("cache service error", attrs...)
}
