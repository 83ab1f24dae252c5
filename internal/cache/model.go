package cache

import (
	"encoding/json"
	"errors"
)

var (
	// ErrInvalidCacheKey indicates an empty entity type or entity id.
	ErrInvalidCacheKey = errors.New("cache: entity type and entity id are required")
	// ErrInvalidScopeID indicates an empty scope identifier.
	ErrInvalidScopeID = errors.New("cache: invalid scope id")
)

// CachedEntity is a read snapshot of one remote entity, keyed by the
// (entity type, entity id) pair. At most one record exists per key.
type CachedEntity struct {
	EntityType  string `gorm:"column:entity_type;primaryKey;size:190;not null;index:idx_cache_entity_type"`
	EntityID    string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	ScopeID     string `gorm:"column:scope_id;size:190;not null;index:idx_cache_scope"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
	CachedAtMs  int64  `gorm:"column:cached_at_ms;not null;index:idx_cache_cached_at"`
	Version     *int64 `gorm:"column:version"`
}

// TableName provides the explicit table binding for GORM.
func (CachedEntity) TableName() string {
	return "cached_entities"
}

// ScopeSnapshot is a whole-scope read-model snapshot: one overwrite-on-write
// record per scope holding named feature payloads. It exists so a scope opened
// offline shows something coherent even without per-entity cache hits.
type ScopeSnapshot struct {
	ScopeID      string `gorm:"column:scope_id;primaryKey;size:190;not null"`
	FeaturesJSON string `gorm:"column:features_json;type:text;not null"`
	UpdatedAtMs  int64  `gorm:"column:updated_at_ms;not null;index:idx_snapshot_updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (ScopeSnapshot) TableName() string {
	return "scope_snapshots"
}

// Features decodes the snapshot's named feature payloads.
func (s ScopeSnapshot) Features() (map[string]json.RawMessage, error) {
	if s.FeaturesJSON == "" {
		return map[string]json.RawMessage{}, nil
	}
	features := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(s.FeaturesJSON), &features); err != nil {
		return nil, err
	}
	return features, nil
}
