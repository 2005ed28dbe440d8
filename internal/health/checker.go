// Package health tracks whether the registry's dependencies answer and
// publishes the result to the gRPC health service and /healthz.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sandcats_dependency_up",
	Help: "1 when the dependency answered its last probe.",
}, []string{"dependency"})

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe is one dependency check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// StatusSetter receives serving-status transitions. *health.Server from
// google.golang.org/grpc/health satisfies it.
type StatusSetter interface {
	SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus)
}

// Checker runs the probes periodically. A dependency is marked down after
// FailThreshold consecutive failures and up again after one success.
type Checker struct {
	probes []Probe
	status StatusSetter
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	failCounts map[string]int
	down       map[string]bool
}

// New creates a new Checker. status may be nil.
func New(probes []Probe, status StatusSetter, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		probes:     probes,
		status:     status,
		cfg:        cfg,
		logger:     logger,
		failCounts: make(map[string]int),
		down:       make(map[string]bool),
	}
}

// Run checks immediately and then every interval until ctx is done.
func (h *Checker) Run(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and applies the transitions.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()
	h.publish()
}

func (h *Checker) record(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err == nil {
		dependencyUp.WithLabelValues(name).Set(1)
		if h.down[name] {
			h.logger.Info("health: recovered", zap.String("dependency", name))
		}
		h.failCounts[name] = 0
		h.down[name] = false
		return
	}

	dependencyUp.WithLabelValues(name).Set(0)
	h.failCounts[name]++
	if h.failCounts[name] == h.cfg.FailThreshold {
		h.down[name] = true
		h.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", h.failCounts[name]),
			zap.Error(err),
		)
	}
}

func (h *Checker) publish() {
	if h.status == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	overall := grpc_health_v1.HealthCheckResponse_SERVING
	for _, p := range h.probes {
		st := grpc_health_v1.HealthCheckResponse_SERVING
		if h.down[p.Name] {
			st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			overall = st
		}
		h.status.SetServingStatus(p.Name, st)
	}
	h.status.SetServingStatus("", overall)
}

// Healthy reports whether no dependency is marked down.
func (h *Checker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.down {
		if d {
			return false
		}
	}
	return true
}
