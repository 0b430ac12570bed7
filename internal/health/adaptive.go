package health

import (
	"time"

	"github.com/routeros-fleet/controlplane/internal/store/model"
)

const (
	baseIntervalSeconds         = 60
	criticalBaseIntervalSeconds = 30
	maxHealthyIntervalSeconds   = 300
	healthyGrowthFactor         = 1.5
	healthyStreakForGrowth      = 10

	unreachableInitialIntervalSeconds = 60
	maxUnreachableIntervalSeconds     = 960
)

// pollingState is the adaptive-polling triple persisted per device.
type pollingState struct {
	IntervalSeconds    int
	ConsecutiveHealthy int
	LastBackoffAt      *time.Time
}

func baseInterval(critical bool) int {
	if critical {
		return criticalBaseIntervalSeconds
	}
	return baseIntervalSeconds
}

// nextPollingState applies the adaptive-interval table to a device's
// current polling state given the freshly observed status. Sustained
// health slowly lengthens the interval; degradation snaps back to base;
// unreachability backs off exponentially.
func nextPollingState(d *model.Device, observed model.DeviceStatus, now time.Time) pollingState {
	interval := d.PollIntervalSeconds
	if interval <= 0 {
		interval = baseInterval(d.Critical)
	}

	switch observed {
	case model.DeviceHealthy:
		streak := d.ConsecutiveHealthy + 1
		if streak >= healthyStreakForGrowth {
			interval = int(float64(interval) * healthyGrowthFactor)
			if interval > maxHealthyIntervalSeconds {
				interval = maxHealthyIntervalSeconds
			}
			streak = 0
		}
		return pollingState{IntervalSeconds: interval, ConsecutiveHealthy: streak, LastBackoffAt: nil}

	case model.DeviceUnreachable:
		if d.LastBackoffAt == nil {
			interval = unreachableInitialIntervalSeconds
		} else {
			interval *= 2
			if interval > maxUnreachableIntervalSeconds {
				interval = maxUnreachableIntervalSeconds
			}
		}
		t := now
		return pollingState{IntervalSeconds: interval, ConsecutiveHealthy: 0, LastBackoffAt: &t}

	default: // degraded
		return pollingState{
			IntervalSeconds:    baseInterval(d.Critical),
			ConsecutiveHealthy: 0,
			LastBackoffAt:      d.LastBackoffAt,
		}
	}
}
