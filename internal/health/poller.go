package health

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

type pollerStore interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevicesByEnvironment(ctx context.Context, env model.Environment) ([]*model.Device, error)
}

// Poller owns one periodic health-check task per device. When a check
// changes the device's adaptive interval, the task is rescheduled by
// removing and re-adding its cron entry; the check itself is idempotent,
// so an overlap between removal and re-add is harmless.
type Poller struct {
	cron  *cron.Cron
	svc   *Service
	store pollerStore
	env   model.Environment
	log   *log.PrefixLogger

	mu        sync.Mutex
	entries   map[string]cron.EntryID
	intervals map[string]int
}

func NewPoller(svc *Service, store pollerStore, env model.Environment, logger *log.PrefixLogger) *Poller {
	if logger == nil {
		logger = log.NewPrefixLogger("health-poller")
	}
	return &Poller{
		cron:      cron.New(),
		svc:       svc,
		store:     store,
		env:       env,
		log:       logger,
		entries:   map[string]cron.EntryID{},
		intervals: map[string]int{},
	}
}

// Start seeds a task for every eligible device and begins firing.
func (p *Poller) Start(ctx context.Context) error {
	devices, err := p.store.ListDevicesByEnvironment(ctx, p.env)
	if err != nil {
		return err
	}
	for _, d := range devices {
		interval := d.PollIntervalSeconds
		if interval <= 0 {
			interval = baseInterval(d.Critical)
		}
		p.EnsureDevice(d.ID, interval)
	}
	p.cron.Start()
	return nil
}

// EnsureDevice schedules (or reschedules) the named device's health-check
// task at the given interval. A no-op when the interval is unchanged.
func (p *Poller) EnsureDevice(deviceID string, intervalSeconds int) {
	if intervalSeconds <= 0 {
		intervalSeconds = baseIntervalSeconds
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.intervals[deviceID]; ok && current == intervalSeconds {
		return
	}
	if entry, ok := p.entries[deviceID]; ok {
		p.cron.Remove(entry)
	}
	id := deviceID
	entry := p.cron.Schedule(cron.Every(time.Duration(intervalSeconds)*time.Second), cron.FuncJob(func() {
		p.runOnce(id)
	}))
	p.entries[deviceID] = entry
	p.intervals[deviceID] = intervalSeconds
	p.log.Debugf("scheduled health_check_%s every %ds", deviceID, intervalSeconds)
}

// Remove drops a device's task, used on decommission.
func (p *Poller) Remove(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[deviceID]; ok {
		p.cron.Remove(entry)
		delete(p.entries, deviceID)
		delete(p.intervals, deviceID)
	}
}

func (p *Poller) runOnce(deviceID string) {
	ctx := context.Background()
	if _, err := p.svc.RunHealthCheck(ctx, deviceID); err != nil {
		p.log.WithError(err).Warnf("health check for device %s", deviceID)
		return
	}
	// The check may have moved the adaptive interval; pick up the
	// persisted value and reschedule if so.
	d, err := p.store.GetDevice(ctx, deviceID)
	if err != nil {
		p.log.WithError(err).Warnf("reloading device %s after health check", deviceID)
		return
	}
	p.EnsureDevice(deviceID, d.PollIntervalSeconds)
}

// Stop halts the scheduler, waiting for in-flight tasks.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}
