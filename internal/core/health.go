package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthCheckTimeout bounds all checks together. A check still running at
// the deadline is reported as timed out.
const healthCheckTimeout = 2 * time.Second

// HealthCheck checks one critical dependency.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck reports the database as healthy when a ping succeeds.
type DatabaseCheck struct {
	DB Pinger
}

func (p DatabaseCheck) Name() string { return "database" }

func (p DatabaseCheck) Check(ctx context.Context) error {
	if p.DB == nil {
		return errors.New("database not configured")
	}
	return p.DB.Ping(ctx)
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every check concurrently and answers 200 when all pass,
// 503 otherwise. Mounted at GET /health without authentication.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}
	if len(s.HealthChecks) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	// Each check writes only its own slot, so no lock is needed.
	results := make([]error, len(s.HealthChecks))
	var g errgroup.Group
	for i, check := range s.HealthChecks {
		g.Go(func() error {
			results[i] = runCheck(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	resp.Components = make(map[string]componentStatus, len(s.HealthChecks))
	for i, check := range s.HealthChecks {
		if err := results[i]; err != nil {
			resp.Status = "unhealthy"
			resp.Components[check.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
			continue
		}
		resp.Components[check.Name()] = componentStatus{Status: "healthy"}
	}

	if resp.Status != "healthy" {
		s.Logger.WarnContext(r.Context(), "health check failed", "components", resp.Components)
		JSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	JSON(w, r, http.StatusOK, resp)
}

// runCheck converts panics and deadline overruns into errors.
func runCheck(ctx context.Context, p HealthCheck) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("check panicked: %v", rec)
			}
		}()
		done <- p.Check(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.New("health check timed out")
	}
}
