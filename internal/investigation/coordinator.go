// Package investigation fans an incident out to pluggable evidence
// sources and fans their findings back in. A slow or failing source
// costs an error-marked finding, never the whole investigation.
package investigation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aegisstack/aegis-ir/internal/metrics"
	"github.com/aegisstack/aegis-ir/internal/models"
)

// Investigator is one pluggable evidence source. Implementations must
// honor the context deadline; the coordinator stamps timing and error
// markers onto whatever comes back.
type Investigator interface {
	Name() string
	Source() models.DataType
	Investigate(ctx context.Context, inc *models.Incident) (models.Finding, error)
}

// Options tune the coordinator.
type Options struct {
	// Timeout bounds each investigator individually, not the fan-out
	// as a whole.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Coordinator runs all configured investigators concurrently and
// appends their findings to the incident in completion order.
type Coordinator struct {
	investigators []Investigator
	timeout       time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// NewCoordinator constructs a Coordinator over the given investigators.
func NewCoordinator(investigators []Investigator, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		investigators: investigators,
		timeout:       opts.Timeout,
		clock:         opts.Clock,
		logger:        opts.Logger,
	}
}

// Investigate appends one finding per configured investigator to the
// incident, in the order they completed. It returns once every
// investigator has finished or timed out; the returned error is only
// ever the context's.
func (c *Coordinator) Investigate(ctx context.Context, inc *models.Incident) error {
	if len(c.investigators) == 0 {
		return ctx.Err()
	}

	start := c.clock.Now()
	results := make(chan models.Finding, len(c.investigators))

	var wg sync.WaitGroup
	for _, inv := range c.investigators {
		wg.Add(1)
		go func(inv Investigator) {
			defer wg.Done()
			results <- c.runOne(ctx, inv, inc)
		}(inv)
	}
	wg.Wait()
	close(results)

	// Only this goroutine touches the incident; channel order is
	// completion order.
	for f := range results {
		inc.Findings = append(inc.Findings, f)
	}

	metrics.ObserveInvestigation(c.clock.Now().Sub(start))
	c.logger.Info("investigation complete",
		slog.String("incident", inc.ID),
		slog.Int("findings", len(inc.Findings)),
		slog.Int("failed", countFailed(inc.Findings)),
	)
	return ctx.Err()
}

// runOne executes a single investigator under its own deadline. The
// inner goroutine shields the fan-out from implementations that ignore
// cancellation.
func (c *Coordinator) runOne(ctx context.Context, inv Investigator, inc *models.Incident) models.Finding {
	start := c.clock.Now()
	ictx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		finding models.Finding
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		f, err := inv.Investigate(ictx, inc)
		done <- outcome{finding: f, err: err}
	}()

	var f models.Finding
	var err error
	select {
	case o := <-done:
		f, err = o.finding, o.err
	case <-ictx.Done():
		err = ictx.Err()
	}

	f.Source = inv.Source()
	f.Investigator = inv.Name()
	f.Elapsed = c.clock.Now().Sub(start)
	f.CompletedAt = c.clock.Now()

	label := "ok"
	if err != nil {
		f.Err = err.Error()
		label = "error"
		if ictx.Err() == context.DeadlineExceeded {
			label = "timeout"
		}
		c.logger.Warn("investigator failed",
			slog.String("incident", inc.ID),
			slog.String("investigator", inv.Name()),
			slog.Any("error", err),
		)
	}
	metrics.ObserveInvestigator(string(inv.Source()), label)
	return f
}

func countFailed(findings []models.Finding) int {
	n := 0
	for _, f := range findings {
		if f.Failed() {
			n++
		}
	}
	return n
}
