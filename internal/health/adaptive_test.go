package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeros-fleet/controlplane/internal/store/model"
)

func TestAdaptiveHealthyGrowth(t *testing.T) {
	now := time.Now().UTC()
	d := &model.Device{PollIntervalSeconds: 60, ConsecutiveHealthy: 0}

	// Nine healthy checks only move the streak.
	for i := 0; i < 9; i++ {
		next := nextPollingState(d, model.DeviceHealthy, now)
		assert.Equal(t, 60, next.IntervalSeconds)
		d.ConsecutiveHealthy = next.ConsecutiveHealthy
	}
	assert.Equal(t, 9, d.ConsecutiveHealthy)

	// The tenth grows the interval by 1.5x and resets the streak.
	next := nextPollingState(d, model.DeviceHealthy, now)
	assert.Equal(t, 90, next.IntervalSeconds)
	assert.Equal(t, 0, next.ConsecutiveHealthy)
	assert.Nil(t, next.LastBackoffAt)
}

func TestAdaptiveHealthyIntervalCap(t *testing.T) {
	d := &model.Device{PollIntervalSeconds: 280, ConsecutiveHealthy: 9}
	next := nextPollingState(d, model.DeviceHealthy, time.Now().UTC())
	assert.Equal(t, maxHealthyIntervalSeconds, next.IntervalSeconds)
}

func TestAdaptiveHealthyClearsBackoff(t *testing.T) {
	backoff := time.Now().UTC().Add(-time.Minute)
	d := &model.Device{PollIntervalSeconds: 120, LastBackoffAt: &backoff}
	next := nextPollingState(d, model.DeviceHealthy, time.Now().UTC())
	assert.Nil(t, next.LastBackoffAt)
}

func TestAdaptiveDegradedResetsToBase(t *testing.T) {
	d := &model.Device{PollIntervalSeconds: 300, ConsecutiveHealthy: 7}
	next := nextPollingState(d, model.DeviceDegraded, time.Now().UTC())
	assert.Equal(t, baseIntervalSeconds, next.IntervalSeconds)
	assert.Equal(t, 0, next.ConsecutiveHealthy)

	critical := &model.Device{PollIntervalSeconds: 300, Critical: true}
	next = nextPollingState(critical, model.DeviceDegraded, time.Now().UTC())
	assert.Equal(t, criticalBaseIntervalSeconds, next.IntervalSeconds)
}

func TestAdaptiveUnreachableBackoff(t *testing.T) {
	now := time.Now().UTC()
	d := &model.Device{PollIntervalSeconds: 300, ConsecutiveHealthy: 4}

	// First unreachable observation starts at 60s.
	next := nextPollingState(d, model.DeviceUnreachable, now)
	assert.Equal(t, unreachableInitialIntervalSeconds, next.IntervalSeconds)
	assert.Equal(t, 0, next.ConsecutiveHealthy)
	require.NotNil(t, next.LastBackoffAt)

	// Subsequent observations double up to the cap.
	d.PollIntervalSeconds = next.IntervalSeconds
	d.LastBackoffAt = next.LastBackoffAt
	want := []int{120, 240, 480, 960, 960}
	for _, expected := range want {
		next = nextPollingState(d, model.DeviceUnreachable, now)
		assert.Equal(t, expected, next.IntervalSeconds)
		d.PollIntervalSeconds = next.IntervalSeconds
		d.LastBackoffAt = next.LastBackoffAt
	}
}
