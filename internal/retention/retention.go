package retention

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/relay"
	"chatsync/pkg/store"
)

// Start launches the retention scheduler if enabled and returns a
// cancel func. Each tick prunes old message versions and evicts idle
// relay rooms.
func Start(ctx context.Context, eff config.EffectiveConfigResult, hub *relay.Hub) (context.CancelFunc, error) {
	ret := eff.Config.Retention

	if !ret.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := ret.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", ret.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", ret.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "keep_versions", ret.KeepVersions, "dry_run", ret.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, ret, hub, cronExpr)
	return cancel, nil
}

// runScheduler computes the next cron tick with gronx and sleeps until
// it, running one sweep per tick.
func runScheduler(ctx context.Context, ret config.RetentionConfig, hub *relay.Hub, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(ret, hub); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce performs a single sweep: message version pruning followed by
// idle room eviction. Exposed so tests and admin triggers can run it
// on demand.
func RunOnce(ret config.RetentionConfig, hub *relay.Hub) error {
	keep := ret.KeepVersions
	if keep <= 0 {
		keep = 10
	}

	ids, err := messageIDs()
	if err != nil {
		return err
	}

	pruned := 0
	for _, id := range ids {
		if ret.DryRun {
			continue
		}
		n, err := store.PruneVersions(id, keep)
		if err != nil {
			logger.Warn("version_prune_failed", "id", id, "error", err)
			continue
		}
		pruned += n
	}

	evicted := 0
	if hub != nil && !ret.DryRun {
		idle := ret.IdleRoomAge.Duration()
		if idle <= 0 {
			idle = 24 * time.Hour
		}
		evicted = hub.SweepIdle(idle)
	}

	logger.Info("retention_run_complete", "messages", len(ids), "versions_pruned", pruned, "rooms_evicted", evicted, "dry_run", ret.DryRun)
	return nil
}

// messageIDs lists every message id with at least one stored version.
func messageIDs() ([]string, error) {
	keys, err := store.ListKeys("latest:msg:")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, "latest:msg:"))
	}
	return ids, nil
}
