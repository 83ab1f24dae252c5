package queue

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates supported client mutations.
type OperationType string

const (
	// OperationTypeCreate represents a new entity payload.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate modifies an existing entity.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete removes an existing entity.
	OperationTypeDelete OperationType = "delete"
)

// Status enumerates delivery states of a queued operation.
type Status string

const (
	// StatusPending marks an operation awaiting delivery.
	StatusPending Status = "pending"
	// StatusSyncing marks an operation currently being delivered. This is a
	// soft advisory lock, not a hard exclusion; see the service docs.
	StatusSyncing Status = "syncing"
	// StatusFailed marks an operation that exhausted its retry budget.
	// Terminal; cleared only by explicit caller action.
	StatusFailed Status = "failed"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityType indicates an empty or oversized entity type.
	ErrInvalidEntityType = errors.New("queue: invalid entity type")
	// ErrForbiddenEntityType indicates the entity type is excluded from offline queueing by policy.
	ErrForbiddenEntityType = errors.New("queue: entity type forbidden from offline queue")
	// ErrInvalidOperationType indicates an unrecognised operation type.
	ErrInvalidOperationType = errors.New("queue: invalid operation type")
	// ErrInvalidScopeID indicates an empty or oversized scope identifier.
	ErrInvalidScopeID = errors.New("queue: invalid scope id")
	// ErrMissingEntityID indicates update/delete without a target entity.
	ErrMissingEntityID = errors.New("queue: entity id required for update and delete")
)

// ParseOperationType validates raw input and returns an OperationType.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationTypeCreate:
		return OperationTypeCreate, nil
	case OperationTypeUpdate:
		return OperationTypeUpdate, nil
	case OperationTypeDelete:
		return OperationTypeDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperationType, rawInput)
	}
}

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusPending:
		return StatusPending, nil
	case StatusSyncing:
		return StatusSyncing, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("queue: invalid status %q", rawInput)
	}
}

// QueuedOperation models one pending mutation awaiting delivery to the remote
// system of record. Exactly one record exists per ID.
type QueuedOperation struct {
	ID            string        `gorm:"column:id;primaryKey;size:190;not null"`
	EntityType    string        `gorm:"column:entity_type;size:190;not null;index:idx_queue_entity_type"`
	OperationType OperationType `gorm:"column:operation_type;size:32;not null"`
	ScopeID       string        `gorm:"column:scope_id;size:190;not null;index:idx_queue_scope"`
	EntityID      string        `gorm:"column:entity_id;size:190;not null;default:''"`
	PayloadJSON   string        `gorm:"column:payload_json;type:text;not null"`
	EnqueuedAtMs  int64         `gorm:"column:enqueued_at_ms;not null;index:idx_queue_enqueued_at"`
	RetryCount    int           `gorm:"column:retry_count;not null;default:0"`
	Status        Status        `gorm:"column:status;size:32;not null;index:idx_queue_status"`
	Version       *int64        `gorm:"column:version"`
}

// TableName provides the explicit table binding for GORM.
func (QueuedOperation) TableName() string {
	return "queued_operations"
}

// TargetID returns the identifier a delivery handler should receive: the scope
// for creations, the entity for updates and deletes.
func (op QueuedOperation) TargetID() string {
	if op.OperationType == OperationTypeCreate {
		return op.ScopeID
	}
	return op.EntityID
}
