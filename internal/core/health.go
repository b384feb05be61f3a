package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"contractflow/internal/messaging"
)

// healthCheckTimeout bounds the total time spent in GET /health. A probe
// that misses the deadline is reported as unhealthy.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a subsystem health check. Each probe represents a
// dependency (queue backend, audit database) that must be operational for
// the service to function.
type HealthProbe interface {
	// Name identifies the probe in the response body (e.g. "queue").
	Name() string

	// Check returns an error if the subsystem is unhealthy or unreachable.
	// It must respect the context deadline.
	Check(ctx context.Context) error
}

// QueueProbe adapts a queue backend health check into a HealthProbe.
type QueueProbe struct {
	Backend interface {
		HealthCheck(ctx context.Context) messaging.HealthStatus
	}
}

func (p QueueProbe) Name() string { return "queue" }

func (p QueueProbe) Check(ctx context.Context) error {
	status := p.Backend.HealthCheck(ctx)
	if !status.Healthy {
		if status.Detail != "" {
			return fmt.Errorf("queue %s: %s", status.QueueName, status.Detail)
		}
		return fmt.Errorf("queue %s unreachable", status.QueueName)
	}
	return nil
}

// PingProbe adapts anything with a Ping method (pgxpool.Pool) into a
// HealthProbe.
type PingProbe struct {
	ProbeName string
	Pinger    interface {
		Ping(ctx context.Context) error
	}
}

func (p PingProbe) Name() string { return p.ProbeName }

func (p PingProbe) Check(ctx context.Context) error {
	return p.Pinger.Ping(ctx)
}

// FailureCounter reports how many ingestions failed since a point in time.
// Implemented by db.WebhookEventRepository.
type FailureCounter interface {
	CountFailuresSince(ctx context.Context, since time.Time) (int, error)
}

// Defaults for IngestFailureProbe.
const (
	defaultFailureWindow    = 15 * time.Minute
	defaultFailureThreshold = 25
)

// IngestFailureProbe reports unhealthy when recent ingestion failures cross
// a threshold. A burst of failed enqueues usually means the queue or the CRM
// is degraded before anything else shows it.
type IngestFailureProbe struct {
	Counter   FailureCounter
	Window    time.Duration // zero applies defaultFailureWindow
	Threshold int           // zero applies defaultFailureThreshold
}

func (p IngestFailureProbe) Name() string { return "ingest_failures" }

func (p IngestFailureProbe) Check(ctx context.Context) error {
	window := p.Window
	if window <= 0 {
		window = defaultFailureWindow
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}

	count, err := p.Counter.CountFailuresSince(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		return err
	}
	if count >= threshold {
		return fmt.Errorf("%d failed ingestions in the last %s", count, window)
	}
	return nil
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth executes all registered probes concurrently with a short
// timeout. Returns 200 if every probe reports healthy, 503 if any subsystem
// fails or misses the deadline.
//
// This endpoint is public and mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type probeResult struct {
		name string
		err  error
	}

	var (
		mu      sync.Mutex
		results = make([]probeResult, 0, len(probes))
		wg      sync.WaitGroup
	)

	for _, probe := range probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			var err error
			func() {
				defer func() {
					if rvr := recover(); rvr != nil {
						err = fmt.Errorf("probe panicked: %v", rvr)
					}
				}()
				err = p.Check(ctx)
			}()

			mu.Lock()
			results = append(results, probeResult{name: p.Name(), err: err})
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Build a partial response; probes still running are reported as
		// timed out below.
	}

	mu.Lock()
	completed := make(map[string]probeResult, len(results))
	for _, res := range results {
		completed[res.name] = res
	}
	mu.Unlock()

	components := make(map[string]componentStatus, len(probes))
	allHealthy := true

	for _, probe := range probes {
		name := probe.Name()
		result, ok := completed[name]
		switch {
		case !ok:
			allHealthy = false
			components[name] = componentStatus{
				Status:  "unhealthy",
				Message: "health check timed out",
			}
		case result.err != nil:
			allHealthy = false
			components[name] = componentStatus{
				Status:  "unhealthy",
				Message: result.err.Error(),
			}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}

	resp := healthResponse{Components: components}
	if allHealthy {
		resp.Status = "healthy"
		JSON(w, r, http.StatusOK, resp)
		return
	}
	resp.Status = "unhealthy"
	JSON(w, r, http.StatusServiceUnavailable, resp)
}
