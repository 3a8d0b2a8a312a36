package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

// BulkFailure is one failed item of a bulk operation.
type BulkFailure struct {
	Item   string        `json:"item"`
	Reason string        `json:"reason"`
	Kind   terminal.Kind `json:"kind"`
}

// BulkResult lists every item exactly once, in input order.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// runBulk applies op to each name independently with bounded concurrency
// and paced starts. One item's failure never stops the others.
func (e *Engine) runBulk(ctx context.Context, op string, names []string, fn func(context.Context, string) error) BulkResult {
	results := make([]error, len(names))

	var pacer *rate.Limiter
	if e.cfg.Pace > 0 {
		pacer = rate.NewLimiter(rate.Every(e.cfg.Pace), 1)
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, name := range names {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				results[i] = terminal.ExternalToolError(name, fmt.Errorf("%s not started: %w", op, err))
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			results[i] = terminal.ExternalToolError(name, fmt.Errorf("%s not started: %w", op, err))
			continue
		}
		i, name := i, name
		g.Go(func() error {
			results[i] = fn(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	out := BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for i, name := range names {
		if err := results[i]; err != nil {
			out.Failed = append(out.Failed, BulkFailure{
				Item:   name,
				Reason: terminal.ReasonOf(err),
				Kind:   terminal.KindOf(err),
			})
			continue
		}
		out.Succeeded = append(out.Succeeded, name)
	}
	e.logger.Info("bulk operation finished",
		zap.String("op", op),
		zap.Int("succeeded", len(out.Succeeded)),
		zap.Int("failed", len(out.Failed)))
	return out
}
