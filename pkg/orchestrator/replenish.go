package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scttfrdmn/spotkeeper/pkg/launcher"
	"github.com/scttfrdmn/spotkeeper/pkg/notify"
	"github.com/scttfrdmn/spotkeeper/pkg/regions"
	"go.uber.org/zap"
)

// Replenish launches count units across the regions that currently pass
// selection. When units cannot be placed, including when no region is
// eligible, it alerts and schedules a cooldown retry for the remainder.
// The returned Outcome is always non-nil.
func (o *Orchestrator) Replenish(ctx context.Context, count int, reason string) (*launcher.Outcome, error) {
	if count <= 0 {
		return &launcher.Outcome{}, nil
	}
	log := o.log.With(zap.Int("count", count), zap.String("reason", reason))

	candidates, err := o.Candidates(ctx)
	if err != nil {
		return &launcher.Outcome{Requested: count}, err
	}

	selected, err := o.Selector.Select(ctx, candidates)
	if err != nil {
		out := &launcher.Outcome{Requested: count, Shortfall: count}
		if errors.Is(err, regions.ErrNoSuitableRegion) {
			log.Warn("no region passes selection", zap.Strings("candidates", candidates))
			o.metrics.Shortfall(count)
			o.onShortfall(ctx, count, count, reason, nil)
		}
		return out, err
	}

	names := regions.Names(selected)
	log.Info("launching", zap.Strings("regions", names))

	out, err := o.Launcher.Launch(ctx, count, names)
	var exhausted *launcher.CapacityExhaustedError
	if errors.As(err, &exhausted) {
		o.onShortfall(ctx, count, exhausted.Shortfall, reason, names)
	}
	return out, err
}

// Candidates returns regions_to_use with wildcard entries expanded
// against the regions enabled for the account, minus exclude_regions
func (o *Orchestrator) Candidates(ctx context.Context) ([]string, error) {
	configured, err := o.expandRegions(ctx)
	if err != nil {
		return nil, err
	}
	return regions.ApplyConstraints(configured, &regions.Constraint{Exclude: o.cfg.ExcludeRegions})
}

func (o *Orchestrator) expandRegions(ctx context.Context) ([]string, error) {
	configured := o.cfg.RegionsToUse
	if !regions.HasWildcard(configured) {
		return configured, nil
	}
	if o.deps.EnabledRegions == nil {
		return nil, fmt.Errorf("regions_to_use has wildcards but enabled regions are unknown")
	}

	enabled, err := o.deps.EnabledRegions(ctx)
	if err != nil {
		return nil, err
	}
	expanded := regions.Expand(configured, enabled)
	if len(expanded) == 0 {
		return nil, fmt.Errorf("regions_to_use %v matches no enabled region", configured)
	}
	return expanded, nil
}

// onShortfall never fails the caller: the units are already lost for
// this invocation, so alert and retry problems are only logged
func (o *Orchestrator) onShortfall(ctx context.Context, requested, shortfall int, reason string, names []string) {
	alert := notify.ShortfallAlert{
		Requested: requested,
		Shortfall: shortfall,
		Trigger:   reason,
		Regions:   names,
		Time:      time.Now().UTC(),
	}

	if o.retry.Enabled() {
		arn, err := o.retry.ScheduleRetry(ctx, shortfall, reason, o.retry.Cooldown())
		if err != nil {
			o.log.Warn("failed to schedule retry", zap.Int("shortfall", shortfall), zap.Error(err))
		} else {
			alert.RetrySchedule = arn
			o.log.Info("retry scheduled",
				zap.Int("shortfall", shortfall),
				zap.Duration("after", o.retry.Cooldown()),
				zap.String("schedule", arn))
		}
	}

	if err := o.publisher.Shortfall(ctx, alert); err != nil {
		o.log.Warn("failed to publish shortfall alert", zap.Error(err))
	}
}
