// Package health runs device health checks over REST with a shell
// fallback, classifies the results, drives the adaptive polling cadence,
// and broadcasts lightweight resource-updated notifications.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/routeros-fleet/controlplane/internal/concurrency"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/store/model"
	"github.com/routeros-fleet/controlplane/internal/transport"
)

// Default classification thresholds. The rollout executor gates batches
// with stricter caller-provided values.
const (
	defaultCPUIssueThreshold    = 90.0
	defaultMemoryIssueThreshold = 90.0
	cpuWarnThreshold            = 75.0
	memoryWarnThreshold         = 75.0
)

// CheckResult is one device's health verdict.
type CheckResult struct {
	DeviceID           string
	Status             model.DeviceStatus
	CPUUsagePercent    float64
	MemoryUsagePercent float64
	UptimeSeconds      int64
	Issues             []string
	Warnings           []string
	Metadata           map[string]interface{}
	CheckedAt          time.Time
}

type healthStore interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	UpdateDeviceStatus(ctx context.Context, id string, status model.DeviceStatus) error
	UpdateDevicePolling(ctx context.Context, id string, intervalSeconds, consecutiveHealthy int, lastBackoffAt interface{}) error
	TouchDeviceLastSeen(ctx context.Context, id string, t time.Time) error
}

// Service probes devices and owns their adaptive polling state.
type Service struct {
	store       healthStore
	broker      transport.ClientBroker
	broadcaster Broadcaster
	sem         concurrency.Semaphore
	log         *log.PrefixLogger
	now         func() time.Time
}

func NewService(store healthStore, broker transport.ClientBroker, broadcaster Broadcaster, sem concurrency.Semaphore, logger *log.PrefixLogger) *Service {
	if logger == nil {
		logger = log.NewPrefixLogger("health")
	}
	if sem == nil {
		sem = concurrency.NewSemaphore(5)
	}
	return &Service{
		store:       store,
		broker:      broker,
		broadcaster: broadcaster,
		sem:         sem,
		log:         logger,
		now:         time.Now,
	}
}

// RunHealthCheck probes one device, classifies the result with the
// default thresholds, persists the outcome, updates the adaptive polling
// state, and broadcasts a resource-updated hint. Transport failures are
// folded into an unreachable result, not returned as errors; the only
// error path is an unknown device.
func (s *Service) RunHealthCheck(ctx context.Context, deviceID string) (CheckResult, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return CheckResult{}, err
	}

	res := s.probe(ctx, deviceID)
	res.CheckedAt = s.now().UTC()

	if err := s.store.UpdateDeviceStatus(ctx, deviceID, res.Status); err != nil {
		s.log.WithError(err).Errorf("persisting health status for device %s", deviceID)
	}
	if res.Status != model.DeviceUnreachable {
		if err := s.store.TouchDeviceLastSeen(ctx, deviceID, res.CheckedAt); err != nil {
			s.log.WithError(err).Warnf("updating last_seen_at for device %s", deviceID)
		}
	}

	next := nextPollingState(device, res.Status, res.CheckedAt)
	var backoff interface{}
	if next.LastBackoffAt != nil {
		backoff = *next.LastBackoffAt
	}
	if err := s.store.UpdateDevicePolling(ctx, deviceID, next.IntervalSeconds, next.ConsecutiveHealthy, backoff); err != nil {
		s.log.WithError(err).Errorf("persisting polling state for device %s", deviceID)
	}

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(ctx, deviceID, ResourceUpdated{
			URI:        fmt.Sprintf("device://%s/health", deviceID),
			ETag:       res.CheckedAt.Format(time.RFC3339Nano),
			StatusHint: string(res.Status),
		})
	}
	return res, nil
}

// probe fetches /system/resource via REST, falling back to the shell
// print command, and classifies the measurements. Any failure on both
// transports yields an unreachable result carrying the failure text.
func (s *Service) probe(ctx context.Context, deviceID string) CheckResult {
	res := CheckResult{DeviceID: deviceID, Metadata: map[string]interface{}{}}

	cpu, mem, uptime, meta, err := s.fetchResource(ctx, deviceID)
	if err != nil {
		res.Status = model.DeviceUnreachable
		res.Issues = append(res.Issues, err.Error())
		return res
	}
	res.CPUUsagePercent = cpu
	res.MemoryUsagePercent = mem
	res.UptimeSeconds = uptime
	for k, v := range meta {
		res.Metadata[k] = v
	}
	res.Status, res.Issues, res.Warnings = classify(cpu, mem, defaultCPUIssueThreshold, defaultMemoryIssueThreshold)
	return res
}

func (s *Service) fetchResource(ctx context.Context, deviceID string) (cpu, mem float64, uptime int64, meta map[string]interface{}, err error) {
	rest, restErr := s.broker.GetRESTClient(ctx, deviceID)
	if restErr == nil {
		var raw map[string]interface{}
		restErr = rest.GetJSON(ctx, "/rest/system/resource", &raw)
		rest.Close()
		if restErr == nil {
			cpu, mem, uptime, meta = resourceFromREST(raw)
			meta["transport"] = "rest"
			return cpu, mem, uptime, meta, nil
		}
	}

	shell, shellErr := s.broker.GetShellClient(ctx, deviceID)
	if shellErr == nil {
		var out string
		out, shellErr = shell.Run(ctx, "/system/resource/print")
		shell.Close()
		if shellErr == nil {
			cpu, mem, uptime, meta = resourceFromShell(out)
			meta["transport"] = "shell"
			return cpu, mem, uptime, meta, nil
		}
	}
	return 0, 0, 0, nil, fmt.Errorf("health probe failed on all transports: rest: %v; shell: %v", restErr, shellErr)
}

func resourceFromREST(raw map[string]interface{}) (cpu, mem float64, uptime int64, meta map[string]interface{}) {
	meta = map[string]interface{}{}
	if v, ok := percentValue(raw["cpu-load"]); ok {
		cpu = v
	}
	free, okFree := byteValue(raw["free-memory"])
	total, okTotal := byteValue(raw["total-memory"])
	if okFree && okTotal && total > 0 {
		mem = (total - free) / total * 100
	}
	if v, ok := raw["uptime"].(string); ok {
		uptime = parseUptime(v)
	}
	for _, k := range []string{"version", "board-name", "architecture-name"} {
		if v, ok := raw[k]; ok {
			meta[k] = v
		}
	}
	return cpu, mem, uptime, meta
}

func resourceFromShell(out string) (cpu, mem float64, uptime int64, meta map[string]interface{}) {
	kv := parseShellResourceOutput(out)
	meta = map[string]interface{}{}
	if v, ok := percentValue(kv["cpu-load"]); ok {
		cpu = v
	}
	free, freeErr := parseMemoryValue(kv["free-memory"])
	total, totalErr := parseMemoryValue(kv["total-memory"])
	if freeErr == nil && totalErr == nil && total > 0 {
		mem = (total - free) / total * 100
	}
	uptime = parseUptime(kv["uptime"])
	for _, k := range []string{"version", "board-name"} {
		if v, ok := kv[k]; ok {
			meta[k] = v
		}
	}
	return cpu, mem, uptime, meta
}

// classify applies the issue thresholds (and the fixed 75% warning
// thresholds) to a measurement pair.
func classify(cpu, mem, cpuIssueThr, memIssueThr float64) (model.DeviceStatus, []string, []string) {
	var issues, warnings []string
	if cpu > cpuIssueThr {
		issues = append(issues, fmt.Sprintf("CPU usage %.1f%% exceeds %.0f%%", cpu, cpuIssueThr))
	} else if cpu > cpuWarnThreshold {
		warnings = append(warnings, fmt.Sprintf("CPU usage %.1f%% exceeds %.0f%%", cpu, cpuWarnThreshold))
	}
	if mem > memIssueThr {
		issues = append(issues, fmt.Sprintf("memory usage %.1f%% exceeds %.0f%%", mem, memIssueThr))
	} else if mem > memoryWarnThreshold {
		warnings = append(warnings, fmt.Sprintf("memory usage %.1f%% exceeds %.0f%%", mem, memoryWarnThreshold))
	}
	if len(issues) > 0 || len(warnings) > 0 {
		return model.DeviceDegraded, issues, warnings
	}
	return model.DeviceHealthy, issues, warnings
}

// RunBatchHealthChecks fans RunHealthCheck out over deviceIDs (bounded
// by the shared semaphore), then re-evaluates each reachable result
// against the caller's stricter thresholds. Per-device errors fold into
// unreachable results; the map always has one entry per requested id.
func (s *Service) RunBatchHealthChecks(ctx context.Context, deviceIDs []string, cpuThreshold, memThreshold float64) (map[string]CheckResult, error) {
	results := make(map[string]CheckResult, len(deviceIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range deviceIDs {
		if err := s.sem.Acquire(ctx); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer s.sem.Release()
			res, err := s.RunHealthCheck(ctx, id)
			if err != nil {
				res = CheckResult{
					DeviceID:  id,
					Status:    model.DeviceUnreachable,
					Issues:    []string{err.Error()},
					CheckedAt: s.now().UTC(),
				}
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	for id, res := range results {
		if res.Status == model.DeviceUnreachable {
			continue
		}
		status, issues, warnings := classify(res.CPUUsagePercent, res.MemoryUsagePercent, cpuThreshold, memThreshold)
		res.Status = status
		res.Issues = issues
		res.Warnings = warnings
		results[id] = res
	}
	return results, nil
}
