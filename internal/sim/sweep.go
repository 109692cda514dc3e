package sim

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Point is one SNR of a sweep. Err holds a receiver failure at that SNR; the
// sweep itself carries on.
type Point struct {
	SNR    float64 `json:"snr_db"`
	Report *Report `json:"report,omitempty"`
	Err    error   `json:"-"`
}

// Sweep runs base at every SNR in snrs with at most workers simulations in
// flight (GOMAXPROCS when workers < 1). Point i uses seed base.Seed+i, so the
// outcome does not depend on scheduling. Only cancellation aborts the sweep;
// per-point failures are reported in the points.
func Sweep(ctx context.Context, base Config, snrs []float64, workers int, opts ...Option) ([]Point, error) {
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("sweep config: %w", err)
	}
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	points := make([]Point, len(snrs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, snr := range snrs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cfg := base
			cfg.SNR = snr
			cfg.Seed = base.Seed + int64(i)
			rep, err := SimPilotTxRx(ctx, cfg, opts...)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			points[i] = Point{SNR: snr, Report: rep, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return points, nil
}
