package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/socialpulse/internal/orchestrator"
	"golang.org/x/sync/errgroup"
)

// Source is one independently fetched input. Run stores its own result; a
// returned error marks the source missing.
type Source struct {
	Name string
	Run  func(ctx context.Context) error
}

// Report summarises a Collect call in source order.
type Report struct {
	Succeeded []string
	Missing   []string
	Errors    map[string]error
}

// Err returns nil unless every source failed. Authentication failures take
// precedence so callers can surface the right reason code.
func (r Report) Err() error {
	if len(r.Succeeded) > 0 || len(r.Missing) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Missing))
	for _, name := range r.Missing {
		err := r.Errors[name]
		if errors.Is(err, orchestrator.ErrNotConnected) || errors.Is(err, orchestrator.ErrTokenExpired) {
			return err
		}
		errs = append(errs, err)
	}
	return &orchestrator.UpstreamError{Err: errors.Join(errs...)}
}

// Collect runs every source concurrently, each under its own timeout, and waits
// for all of them. Errors and panics are isolated per source and reported as
// missing instead of aborting the others.
func Collect(ctx context.Context, timeout time.Duration, logger *slog.Logger, sources ...Source) Report {
	if logger == nil {
		logger = slog.Default()
	}
	errs := make([]error, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			errs[i] = runSource(ctx, timeout, src)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Errors: make(map[string]error)}
	for i, src := range sources {
		if errs[i] == nil {
			report.Succeeded = append(report.Succeeded, src.Name)
			continue
		}
		report.Missing = append(report.Missing, src.Name)
		report.Errors[src.Name] = errs[i]
		logger.Warn("source unavailable",
			slog.String("agent", "collector"),
			slog.String("source", src.Name),
			slog.Any("error", errs[i]),
		)
	}
	return report
}

func runSource(ctx context.Context, timeout time.Duration, src Source) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = orchestrator.Upstream(src.Name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := src.Run(ctx); err != nil {
		if errors.Is(err, orchestrator.ErrUpstream) || errors.Is(err, orchestrator.ErrNotConnected) || errors.Is(err, orchestrator.ErrTokenExpired) {
			return err
		}
		return orchestrator.Upstream(src.Name, err)
	}
	return nil
}
