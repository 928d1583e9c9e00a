package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tphummel/node_heartbeat/internal/models"
	"github.com/tphummel/node_heartbeat/internal/zpool"
)

type heartbeatSender interface {
	ReportHeartbeat(ctx context.Context, hb models.HeartbeatRequest) error
}

type capacityProber interface {
	Capacity(ctx context.Context, pool string) (zpool.Capacity, error)
}

// reporter probes one pool and posts its capacity as a heartbeat.
type reporter struct {
	sender   heartbeatSender
	probe    capacityProber
	nodeName string
	pool     string
	logger   *slog.Logger
}

func (r *reporter) reportOnce(ctx context.Context) error {
	c, err := r.probe.Capacity(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	hb := models.HeartbeatRequest{
		NodeName:       &r.nodeName,
		ZpoolName:      &c.Name,
		TotalSpace:     &c.TotalBytes,
		AvailableSpace: &c.AvailableBytes,
	}
	if err := r.sender.ReportHeartbeat(ctx, hb); err != nil {
		return fmt.Errorf("report: %w", err)
	}

	r.logger.Info("heartbeat sent",
		"node_name", r.nodeName,
		"zpool_name", c.Name,
		"total_space", c.TotalBytes,
		"available_space", c.AvailableBytes,
	)
	return nil
}

// run reports immediately and then on every tick until ctx is done. A failed
// report is logged and the next tick tries again.
func (r *reporter) run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.reportOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("heartbeat failed", "node_name", r.nodeName, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
