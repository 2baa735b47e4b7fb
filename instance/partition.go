package instance

import (
	"context"
	"time"

	"github.com/claudebench/claudebench/observability"
	"github.com/claudebench/claudebench/store"
)

// Detector infers network partitions from the gossip hash. With more than two
// instances, a minority-healthy view flags a partition; a supermajority
// healthy view flags recovery. Both flags are advisory and expire on their
// own TTL.
type Detector struct {
	Store store.InstanceStore
	Cfg   store.Config
}

type PartitionView struct {
	Total    int  `json:"total"`
	Healthy  int  `json:"healthy"`
	Detected bool `json:"detected"`
	Recovery bool `json:"recovery"`
}

func (d *Detector) Detect(ctx context.Context) (PartitionView, error) {
	snapshot, err := d.Store.GossipSnapshot(ctx)
	if err != nil {
		return PartitionView{}, err
	}

	view := PartitionView{Total: len(snapshot)}
	cutoff := time.Now().Add(-d.Cfg.HeartbeatTimeout).UnixMilli()
	for _, entry := range snapshot {
		if entry.Status == store.HealthHealthy && entry.LastSeen >= cutoff {
			view.Healthy++
		}
	}

	if view.Total > 2 && float64(view.Healthy) < float64(view.Total)/2 {
		view.Detected = true
	}
	if view.Healthy > 0 && float64(view.Healthy) > 0.7*float64(view.Total) {
		view.Recovery = true
	}

	if err := d.Store.SetPartitionFlags(ctx, view.Detected, view.Recovery); err != nil {
		return view, err
	}
	if view.Detected {
		observability.PartitionDetected.Set(1)
	} else {
		observability.PartitionDetected.Set(0)
	}
	return view, nil
}
