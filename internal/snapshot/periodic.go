package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/routeros-fleet/controlplane/internal/concurrency"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

type deviceLister interface {
	ListDevicesByEnvironment(ctx context.Context, env model.Environment) ([]*model.Device, error)
	TouchDeviceLastSeen(ctx context.Context, id string, t time.Time) error
}

// PeriodicCapturer walks every eligible device on an interval and
// captures a config snapshot with bounded concurrency.
type PeriodicCapturer struct {
	svc     *Service
	devices deviceLister
	env     model.Environment
	sem     concurrency.Semaphore
	log     *log.PrefixLogger
}

func NewPeriodicCapturer(svc *Service, devices deviceLister, env model.Environment, sem concurrency.Semaphore, logger *log.PrefixLogger) *PeriodicCapturer {
	if logger == nil {
		logger = log.NewPrefixLogger("snapshot-capturer")
	}
	return &PeriodicCapturer{svc: svc, devices: devices, env: env, sem: sem, log: logger}
}

// Attach registers the capture sweep with the given cron runner.
func (p *PeriodicCapturer) Attach(c *cron.Cron, interval time.Duration) cron.EntryID {
	return c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		p.RunOnce(context.Background())
	}))
}

// RunOnce performs a single sweep over the eligible fleet.
func (p *PeriodicCapturer) RunOnce(ctx context.Context) {
	devices, err := p.devices.ListDevicesByEnvironment(ctx, p.env)
	if err != nil {
		p.log.WithError(err).Errorf("listing devices for snapshot sweep")
		return
	}

	var wg sync.WaitGroup
	for _, d := range devices {
		if err := p.sem.Acquire(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(d *model.Device) {
			defer wg.Done()
			defer p.sem.Release()
			if _, err := p.svc.Capture(ctx, d.ID, KindConfig); err != nil {
				p.log.WithError(err).Warnf("snapshot capture failed for device %s", d.ID)
				return
			}
			if err := p.devices.TouchDeviceLastSeen(ctx, d.ID, time.Now().UTC()); err != nil {
				p.log.WithError(err).Warnf("updating last_seen_at for device %s", d.ID)
			}
		}(d)
	}
	wg.Wait()
}

// PeriodicPruner enforces the per-(device, kind) retention count.
type PeriodicPruner struct {
	svc       *Service
	devices   deviceLister
	env       model.Environment
	retention int
	log       *log.PrefixLogger
}

func NewPeriodicPruner(svc *Service, devices deviceLister, env model.Environment, retention int, logger *log.PrefixLogger) *PeriodicPruner {
	if logger == nil {
		logger = log.NewPrefixLogger("snapshot-pruner")
	}
	if retention <= 0 {
		retention = 5
	}
	return &PeriodicPruner{svc: svc, devices: devices, env: env, retention: retention, log: logger}
}

func (p *PeriodicPruner) Attach(c *cron.Cron, interval time.Duration) cron.EntryID {
	return c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		p.RunOnce(context.Background())
	}))
}

func (p *PeriodicPruner) RunOnce(ctx context.Context) {
	devices, err := p.devices.ListDevicesByEnvironment(ctx, p.env)
	if err != nil {
		p.log.WithError(err).Errorf("listing devices for snapshot prune")
		return
	}
	for _, d := range devices {
		pruned, err := p.svc.Prune(ctx, d.ID, KindConfig, p.retention)
		if err != nil {
			p.log.WithError(err).Warnf("pruning snapshots for device %s", d.ID)
			continue
		}
		if pruned > 0 {
			p.log.Debugf("pruned %d snapshots for device %s", pruned, d.ID)
		}
	}
}
