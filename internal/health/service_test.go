package health

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeros-fleet/controlplane/internal/concurrency"
	"github.com/routeros-fleet/controlplane/internal/store/model"
	"github.com/routeros-fleet/controlplane/internal/store/storetest"
	"github.com/routeros-fleet/controlplane/internal/transport"
)

type fakeREST struct {
	resource map[string]interface{}
	err      error
}

func (f *fakeREST) GetJSON(_ context.Context, _ string, out interface{}) error {
	if f.err != nil {
		return f.err
	}
	*(out.(*map[string]interface{})) = f.resource
	return nil
}

func (f *fakeREST) ExportConfig(context.Context) (string, error) { return "", errors.New("not used") }
func (f *fakeREST) Close() error                                 { return nil }

type fakeShell struct {
	out string
	err error
}

func (f *fakeShell) Run(context.Context, string) (string, error) { return f.out, f.err }
func (f *fakeShell) Close() error                                { return nil }

type fakeBroker struct {
	rest     *fakeREST
	restErr  error
	shell    *fakeShell
	shellErr error
}

func (f *fakeBroker) GetRESTClient(context.Context, string) (transport.DeviceREST, error) {
	if f.restErr != nil {
		return nil, f.restErr
	}
	return f.rest, nil
}

func (f *fakeBroker) GetShellClient(context.Context, string) (transport.DeviceShell, error) {
	if f.shellErr != nil {
		return nil, f.shellErr
	}
	return f.shell, nil
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []ResourceUpdated
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, _ string, update ResourceUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func newHealthFixture(t *testing.T, broker transport.ClientBroker) (*Service, *storetest.Fake, *recordingBroadcaster) {
	t.Helper()
	fake := storetest.New()
	fake.AddDevice(&model.Device{
		ID: "dev-lab-01", Name: "dev-lab-01",
		Environment: model.EnvironmentLab, Status: model.DevicePending,
	})
	bc := &recordingBroadcaster{}
	svc := NewService(fake, broker, bc, concurrency.NewSemaphore(5), nil)
	return svc, fake, bc
}

func TestRunHealthCheckViaREST(t *testing.T) {
	broker := &fakeBroker{rest: &fakeREST{resource: map[string]interface{}{
		"cpu-load":     "12",
		"free-memory":  "805306368", // 768 MiB free
		"total-memory": "1073741824",
		"uptime":       "1w2d3h4m5s",
		"version":      "7.14.2",
	}}}
	svc, fake, bc := newHealthFixture(t, broker)

	res, err := svc.RunHealthCheck(context.Background(), "dev-lab-01")
	require.NoError(t, err)

	assert.Equal(t, model.DeviceHealthy, res.Status)
	assert.InDelta(t, 12.0, res.CPUUsagePercent, 0.01)
	assert.InDelta(t, 25.0, res.MemoryUsagePercent, 0.01)
	assert.Equal(t, int64(7*24*3600+2*24*3600+3*3600+4*60+5), res.UptimeSeconds)
	assert.Equal(t, "rest", res.Metadata["transport"])
	assert.Empty(t, res.Issues)

	d := fake.Devices["dev-lab-01"]
	assert.Equal(t, model.DeviceHealthy, d.Status)
	require.NotNil(t, d.LastSeenAt)

	// The broadcast is a URI + etag + status hint only, never the
	// measurements.
	require.Len(t, bc.updates, 1)
	assert.Equal(t, "device://dev-lab-01/health", bc.updates[0].URI)
	assert.Equal(t, "healthy", bc.updates[0].StatusHint)
}

func TestRunHealthCheckShellFallback(t *testing.T) {
	broker := &fakeBroker{
		restErr: errors.New("connection refused"),
		shell: &fakeShell{out: `
  uptime: 2d1h
  version: 7.14.2 (stable)
  free-memory: 100.0MiB
  total-memory: 1024.0MiB
  cpu-load: 95%
`},
	}
	svc, fake, _ := newHealthFixture(t, broker)

	res, err := svc.RunHealthCheck(context.Background(), "dev-lab-01")
	require.NoError(t, err)

	assert.Equal(t, model.DeviceDegraded, res.Status)
	assert.Equal(t, "shell", res.Metadata["transport"])
	assert.InDelta(t, 95.0, res.CPUUsagePercent, 0.01)
	// (1024 - 100) / 1024
	assert.InDelta(t, 90.234, res.MemoryUsagePercent, 0.01)
	require.Len(t, res.Issues, 2)
	assert.Equal(t, model.DeviceDegraded, fake.Devices["dev-lab-01"].Status)
}

func TestRunHealthCheckUnreachable(t *testing.T) {
	broker := &fakeBroker{
		restErr:  errors.New("connection refused"),
		shellErr: errors.New("dial tcp: timeout"),
	}
	svc, fake, _ := newHealthFixture(t, broker)

	res, err := svc.RunHealthCheck(context.Background(), "dev-lab-01")
	require.NoError(t, err)

	assert.Equal(t, model.DeviceUnreachable, res.Status)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "all transports")

	d := fake.Devices["dev-lab-01"]
	assert.Equal(t, model.DeviceUnreachable, d.Status)
	assert.Nil(t, d.LastSeenAt)
	require.NotNil(t, d.LastBackoffAt)
	assert.Equal(t, unreachableInitialIntervalSeconds, d.PollIntervalSeconds)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		cpu, mem   float64
		wantStatus model.DeviceStatus
		wantIssues int
		wantWarns  int
	}{
		{"quiet", 10, 20, model.DeviceHealthy, 0, 0},
		{"cpu warning", 80, 20, model.DeviceDegraded, 0, 1},
		{"cpu issue", 95, 20, model.DeviceDegraded, 1, 0},
		{"memory issue", 10, 92, model.DeviceDegraded, 1, 0},
		{"both issues", 95, 95, model.DeviceDegraded, 2, 0},
		{"boundary 90 is not an issue", 90, 90, model.DeviceDegraded, 0, 2},
		{"boundary 75 is not a warning", 75, 75, model.DeviceHealthy, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, issues, warnings := classify(tc.cpu, tc.mem, 90, 90)
			assert.Equal(t, tc.wantStatus, status)
			assert.Len(t, issues, tc.wantIssues)
			assert.Len(t, warnings, tc.wantWarns)
		})
	}
}

func TestRunBatchHealthChecksStricterThresholds(t *testing.T) {
	// 70% CPU is healthy against the default 90 but fails a stricter
	// 60% gate.
	broker := &fakeBroker{rest: &fakeREST{resource: map[string]interface{}{
		"cpu-load":     "70",
		"free-memory":  "900000000",
		"total-memory": "1000000000",
	}}}
	svc, fake, _ := newHealthFixture(t, broker)
	fake.AddDevice(&model.Device{
		ID: "dev-lab-02", Name: "dev-lab-02",
		Environment: model.EnvironmentLab, Status: model.DevicePending,
	})

	results, err := svc.RunBatchHealthChecks(context.Background(), []string{"dev-lab-01", "dev-lab-02"}, 60, 85)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, model.DeviceDegraded, res.Status)
		require.Len(t, res.Issues, 1)
		assert.Contains(t, res.Issues[0], "CPU")
	}
}

func TestRunBatchHealthChecksFoldsUnknownDeviceIntoUnreachable(t *testing.T) {
	broker := &fakeBroker{rest: &fakeREST{resource: map[string]interface{}{
		"cpu-load": "5", "free-memory": "900000000", "total-memory": "1000000000",
	}}}
	svc, _, _ := newHealthFixture(t, broker)

	results, err := svc.RunBatchHealthChecks(context.Background(), []string{"dev-lab-01", "dev-ghost"}, 80, 85)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceHealthy, results["dev-lab-01"].Status)
	assert.Equal(t, model.DeviceUnreachable, results["dev-ghost"].Status)
}
