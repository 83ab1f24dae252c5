package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps a queue failure with a stable machine-readable code.
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
	opServiceNew   = "queue.service.new"
	opEnqueue      = "queue.enqueue"
	opList         = "queue.list"
	opRemove       = "queue.remove"
	opUpdateStatus = "queue.update_status"
	opStats        = "queue.stats"
	opReady        = "queue.ready_operations"
	opClear        = "queue.clear"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues unique identifiers for enqueued operations.
type IDProvider interface {
	NewID() (string, error)
}

// RetryPolicy bounds how often and how many times a pending operation is retried.
//
// Backoff is linear and anchored to the original enqueue time: attempt n+1
// becomes eligible once RetryDelay*(n+1) has elapsed since the operation was
// first enqueued, not since the last attempt. Tracking last-attempt time is
// deliberately avoided.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultRetryPolicy mirrors the client defaults: three attempts, five seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, RetryDelay: 5 * time.Second}
}

// ServiceConfig wires the queue service dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	IDs      IDProvider
	Logger   *zap.Logger

	// ForbiddenEntityTypes are rejected at enqueue time regardless of caller
	// intent. Supplied as policy so the rule is inspectable in tests.
	ForbiddenEntityTypes []string
}

// Service owns the durable write queue: enqueue, inspection, status mutation
// and retry eligibility. It carries no delivery logic.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	ids       IDProvider
	logger    *zap.Logger
	forbidden map[string]struct{}
}

// NewService validates the configuration and returns a queue service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDs == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	forbidden := make(map[string]struct{}, len(cfg.ForbiddenEntityTypes))
	for _, entityType := range cfg.ForbiddenEntityTypes {
		normalized := strings.ToLower(strings.TrimSpace(entityType))
		if normalized == "" {
			continue
		}
		forbidden[normalized] = struct{}{}
	}

	return &Service{
		db:        cfg.Database,
		clock:     clock,
		ids:       cfg.IDs,
		logger:    logger,
		forbidden: forbidden,
	}, nil
}

// EnqueueRequest describes a mutation to persist for later delivery.
type EnqueueRequest struct {
	EntityType    string
	OperationType OperationType
	ScopeID       string
	EntityID      string
	PayloadJSON   string
	Version       *int64
	// ID is optional; one is generated when empty.
	ID string
}

// Enqueue persists a pending operation and returns its identifier.
//
// Forbidden entity types fail fast with ErrForbiddenEntityType and write
// nothing to the store.
func (s *Service) Enqueue(ctx context.Context, request EnqueueRequest) (string, error) {
	entityType := strings.TrimSpace(request.EntityType)
	if entityType == "" || len(entityType) > maxIdentifierLength {
		return "", newServiceError(opEnqueue, "invalid_entity_type", ErrInvalidEntityType)
	}
	if _, blocked := s.forbidden[strings.ToLower(entityType)]; blocked {
		s.logger.Warn("rejected forbidden entity type",
			zap.String("operation", opEnqueue),
			zap.String("entity_type", entityType))
		return "", newServiceError(opEnqueue, "forbidden_entity_type", ErrForbiddenEntityType)
	}
	if _, err := ParseOperationType(string(request.OperationType)); err != nil {
		return "", newServiceError(opEnqueue, "invalid_operation_type", err)
	}
	scopeID := strings.TrimSpace(request.ScopeID)
	if scopeID == "" || len(scopeID) > maxIdentifierLength {
		return "", newServiceError(opEnqueue, "invalid_scope_id", ErrInvalidScopeID)
	}
	entityID := strings.TrimSpace(request.EntityID)
	if entityID == "" && request.OperationType != OperationTypeCreate {
		return "", newServiceError(opEnqueue, "missing_entity_id", ErrMissingEntityID)
	}

	id := strings.TrimSpace(request.ID)
	if id == "" {
		generated, err := s.ids.NewID()
		if err != nil {
			s.logError(opEnqueue, "id_generation_failed", err)
			return "", newServiceError(opEnqueue, "id_generation_failed", err)
		}
		id = generated
	}

	record := QueuedOperation{
		ID:            id,
		EntityType:    entityType,
		OperationType: request.OperationType,
		ScopeID:       scopeID,
		EntityID:      entityID,
		PayloadJSON:   request.PayloadJSON,
		EnqueuedAtMs:  s.clock().UTC().UnixMilli(),
		RetryCount:    0,
		Status:        StatusPending,
		Version:       request.Version,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opEnqueue, "insert_failed", err, zap.String("id", id))
		return "", newServiceError(opEnqueue, "insert_failed", err)
	}

	s.logger.Debug("operation enqueued",
		zap.String("id", id),
		zap.String("entity_type", entityType),
		zap.String("scope_id", scopeID))
	return id, nil
}

// Filter narrows List results. Status uses the status index; scope and entity
// type are applied in memory after the indexed fetch.
type Filter struct {
	Status     Status
	ScopeID    string
	EntityType string
}

// List returns matching operations in FIFO order (ascending enqueue time).
func (s *Service) List(ctx context.Context, filter Filter) ([]QueuedOperation, error) {
	query := s.db.WithContext(ctx).Order("enqueued_at_ms ASC")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var operations []QueuedOperation
	if err := query.Find(&operations).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}

	if filter.ScopeID == "" && filter.EntityType == "" {
		return operations, nil
	}

	filtered := operations[:0]
	for _, operation := range operations {
		if filter.ScopeID != "" && operation.ScopeID != filter.ScopeID {
			continue
		}
		if filter.EntityType != "" && operation.EntityType != filter.EntityType {
			continue
		}
		filtered = append(filtered, operation)
	}
	return filtered, nil
}

// Remove deletes an operation by ID and reports whether it existed. Called
// only after confirmed successful delivery.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Delete(&QueuedOperation{}, "id = ?", id)
	if result.Error != nil {
		s.logError(opRemove, "delete_failed", result.Error, zap.String("id", id))
		return false, newServiceError(opRemove, "delete_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateStatusRequest mutates the delivery state of one operation.
type UpdateStatusRequest struct {
	ID             string
	Status         Status
	IncrementRetry bool
}

// UpdateStatus reads, mutates, and writes back one operation. Returns nil
// without error when the ID no longer exists (already handled concurrently).
//
// The read-modify-write is intentionally not transactional against concurrent
// callers: two contexts may both observe pending and both attempt delivery.
// Delivery is at-least-once; handlers must tolerate duplicates.
func (s *Service) UpdateStatus(ctx context.Context, request UpdateStatusRequest) (*QueuedOperation, error) {
	var record QueuedOperation
	err := s.db.WithContext(ctx).Where("id = ?", request.ID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opUpdateStatus, "select_failed", err, zap.String("id", request.ID))
		return nil, newServiceError(opUpdateStatus, "select_failed", err)
	}

	record.Status = request.Status
	if request.IncrementRetry {
		record.RetryCount++
	}

	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opUpdateStatus, "save_failed", err, zap.String("id", request.ID))
		return nil, newServiceError(opUpdateStatus, "save_failed", err)
	}
	return &record, nil
}

// Stats summarizes queue occupancy by status.
type Stats struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Syncing int64 `json:"syncing"`
	Failed  int64 `json:"failed"`
}

// Stats counts queued operations grouped by status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	type statusCount struct {
		Status Status
		Count  int64
	}

	var rows []statusCount
	err := s.db.WithContext(ctx).
		Model(&QueuedOperation{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		s.logError(opStats, "query_failed", err)
		return Stats{}, newServiceError(opStats, "query_failed", err)
	}

	var stats Stats
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case StatusPending:
			stats.Pending = row.Count
		case StatusSyncing:
			stats.Syncing = row.Count
		case StatusFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}

// ReadyOperations returns pending operations whose linear backoff window has
// elapsed and whose retry budget is not exhausted, in FIFO order.
func (s *Service) ReadyOperations(ctx context.Context, policy RetryPolicy) ([]QueuedOperation, error) {
	pending, err := s.List(ctx, Filter{Status: StatusPending})
	if err != nil {
		return nil, newServiceError(opReady, "list_failed", err)
	}

	now := s.clock().UTC().UnixMilli()
	ready := pending[:0]
	for _, operation := range pending {
		if operation.RetryCount >= policy.MaxRetries {
			continue
		}
		waitMs := policy.RetryDelay.Milliseconds() * int64(operation.RetryCount+1)
		if now-operation.EnqueuedAtMs >= waitMs {
			ready = append(ready, operation)
		}
	}
	return ready, nil
}

// Clear removes every queued operation and returns how many were deleted.
// Used for explicit resets such as logout, never during normal flow.
func (s *Service) Clear(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("1 = 1").Delete(&QueuedOperation{})
	if result.Error != nil {
		s.logError(opClear, "delete_failed", result.Error)
		return 0, newServiceError(opClear, "delete_failed", result.Error)
	}
	s.logger.Info("queue cleared", zap.Int64("removed", result.RowsAffected))
	return result.RowsAffected, nil
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
	s.logger.Error("queue service error", attrs...)
}
