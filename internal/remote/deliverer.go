package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
	"go.uber.org/zap"
)

const (
	operationsPath     = "/v1/offline/operations"
	defaultHTTPTimeout = 30 * time.Second
)

var (
	errMissingBaseURL = errors.New("remote base url is required")
	errMissingTokens  = errors.New("token source is required")
)

// TokenSource supplies a bearer credential for outbound delivery.
type TokenSource interface {
	IssueDeviceToken(ctx context.Context) (string, int64, error)
}

// DelivererConfig wires the direct delivery dependencies.
type DelivererConfig struct {
	BaseURL string
	Tokens  TokenSource
	Client  *http.Client
	Logger  *zap.Logger
}

// Deliverer posts queued operations straight to the remote system of record's
// replay endpoint. The endpoint dedupes on the operation ID, so redelivery of
// the same operation is harmless.
type Deliverer struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	logger  *zap.Logger
}

// NewDeliverer validates the configuration and returns a deliverer.
func NewDeliverer(cfg DelivererConfig) (*Deliverer, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		baseURL: baseURL,
		tokens:  cfg.Tokens,
		client:  client,
		logger:  logger,
	}, nil
}

type operationPayload struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	OperationType string          `json:"operation_type"`
	ScopeID       string          `json:"scope_id"`
	EntityID      string          `json:"entity_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Version       *int64          `json:"version,omitempty"`
}

// Deliver sends one queued operation and reports whether the remote accepted
// it. Any non-2xx response is an error; the caller's retry bookkeeping decides
// what happens next.
func (d *Deliverer) Deliver(ctx context.Context, operation queue.QueuedOperation) error {
	body := operationPayload{
		ID:            operation.ID,
		EntityType:    operation.EntityType,
		OperationType: string(operation.OperationType),
		ScopeID:       operation.ScopeID,
		EntityID:      operation.EntityID,
		Version:       operation.Version,
	}
	if operation.PayloadJSON != "" {
		body.Payload = json.RawMessage(operation.PayloadJSON)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode operation %s: %w", operation.ID, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+operationsPath, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build delivery request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	token, _, err := d.tokens.IssueDeviceToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to issue device token: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := d.client.Do(request)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		d.logger.Debug("remote rejected operation",
			zap.String("id", operation.ID),
			zap.Int("status", response.StatusCode))
		return fmt.Errorf("remote rejected operation %s: status %d: %s",
			operation.ID, response.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// HealthEndpoint returns the URL the connectivity prober should target.
func (d *Deliverer) HealthEndpoint() string {
	return d.baseURL + "/healthz"
}
