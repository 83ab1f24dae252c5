package connectivity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

var errMissingMonitor = errors.New("connectivity monitor is required")

// ProberConfig configures periodic reachability probing.
type ProberConfig struct {
	Monitor  *Monitor
	Endpoint string
	Interval time.Duration
	Client   *http.Client
	Logger   *zap.Logger
}

// Prober periodically issues a lightweight HTTP request against the remote
// endpoint and feeds the result into the Monitor. Any HTTP response counts as
// reachable; only transport-level failures mean offline.
type Prober struct {
	monitor  *Monitor
	endpoint string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger
}

// NewProber validates the configuration and returns a prober.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("probe endpoint is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		monitor:  cfg.Monitor,
		endpoint: cfg.Endpoint,
		interval: interval,
		client:   client,
		logger:   logger,
	}, nil
}

// Run probes until the context is cancelled. One probe fires immediately so
// startup state does not wait a full interval.
func (p *Prober) Run(ctx context.Context) error {
	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, p.endpoint, nil)
	if err != nil {
		p.logger.Error("probe request build failed", zap.Error(err))
		return
	}

	response, err := p.client.Do(request)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Debug("probe failed", zap.Error(err))
		}
		p.monitor.SetOnline(false)
		return
	}
	_ = response.Body.Close()
	p.monitor.SetOnline(true)
}
