package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"xchain-radar/internal/evidence"
	"xchain-radar/internal/flows"
	"xchain-radar/internal/service"
)

// Backfill explains every day in [From, To] with a bounded worker pool.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	from, to := flows.NormalizeDay(opts.From), flows.NormalizeDay(opts.To)
	if to.Before(from) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = a.Config.Pipeline.BackfillWorkers
	}

	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会提交链上承诺")
	}

	rt, err := a.build(ctx, buildOptions{DryRun: opts.DryRun})
	if err != nil {
		return err
	}
	defer rt.Close()

	stats, err := runBackfill(ctx, rt.pipeline, days(from, to), opts.Chain, opts.Publish || opts.DryRun, workers, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().Int64("processed", stats.processed.Load()).
		Int64("skipped", stats.skipped.Load()).
		Int64("failed", stats.failed.Load()).
		Msg("回填完成")
	if stats.failed.Load() > 0 {
		return fmt.Errorf("%d 天回填失败，请检查日志", stats.failed.Load())
	}
	return nil
}

type backfillStats struct {
	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// runBackfill keeps going past per-day failures; only cancellation stops it early.
func runBackfill(ctx context.Context, p *service.Pipeline, list []time.Time, chain string, publish bool, workers int, logger zerolog.Logger) (*backfillStats, error) {
	stats := &backfillStats{}
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	for _, day := range list {
		day := day
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := p.Explain(gctx, day, chain, publish)
			switch {
			case err == nil:
				stats.processed.Add(1)
			case errors.Is(err, evidence.ErrNoData):
				stats.skipped.Add(1)
			case errors.Is(err, context.Canceled):
				return err
			default:
				stats.failed.Add(1)
				logger.Error().Err(err).Str("day", flows.FormatDay(day)).Msg("回填失败")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

func days(from, to time.Time) []time.Time {
	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}
