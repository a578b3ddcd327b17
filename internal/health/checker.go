// Package health provides periodic health checks for the service.
// Checks run every 60 seconds; the latest results back GET /api/v1/health.
package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surgilog/bloodloss/internal/logger"
)

const (
	// ServiceName is reported by the health endpoint.
	ServiceName = "async-bloodloss-calculator"

	StateHealthy  = "healthy"
	StateDegraded = "degraded"

	defaultInterval = 60 * time.Second
	dialTimeout     = 2 * time.Second
)

// Pinger is satisfied by *sqlite.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check defines a single health check. A failing Critical check degrades the service.
type Check struct {
	Name     string
	Critical bool
	CheckFn  func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the body of the health endpoint.
type Report struct {
	Status  string   `json:"status"`
	Service string   `json:"service"`
	Checks  []Status `json:"checks"`
}

// Checker runs periodic health checks.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      zerolog.Logger
}

// NewChecker creates a health checker for the store, its data directory and
// the main service at mainServiceURL.
func NewChecker(db Pinger, dataDir, mainServiceURL string) *Checker {
	return &Checker{
		interval: defaultInterval,
		log:      logger.Component("health"),
		checks: []Check{
			{
				Name:     "sqlite",
				Critical: true,
				CheckFn:  db.Ping,
			},
			{
				Name:     "storage_dir",
				Critical: true,
				CheckFn: func(ctx context.Context) error {
					return checkDir(dataDir)
				},
			},
			{
				Name: "main_service",
				CheckFn: func(ctx context.Context) error {
					return checkReachable(ctx, mainServiceURL)
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check and stores the results.
func (c *Checker) RunOnce(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			Critical:  check.Critical,
			CheckedAt: time.Now().UTC(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			c.log.Warn().Str("check", check.Name).Bool("critical", check.Critical).Err(err).Msg("health check failed")
		} else {
			s.Healthy = true
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all critical checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if s.Critical && !s.Healthy {
			return false
		}
	}
	return true
}

// Report summarizes the latest results for the health endpoint.
func (c *Checker) Report() Report {
	state := StateHealthy
	if !c.IsHealthy() {
		state = StateDegraded
	}
	return Report{Status: state, Service: ServiceName, Checks: c.Statuses()}
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// checkReachable opens a TCP connection to the host of rawURL.
func checkReachable(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse main service url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("dial main service: %w", err)
	}
	return conn.Close()
}
