package notification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeros-fleet/controlplane/internal/config"
	"github.com/routeros-fleet/controlplane/internal/store/storetest"
)

func TestNewBackendSelection(t *testing.T) {
	assert.Equal(t, "mock", NewBackend(&config.Config{NotificationBackend: "mock"}).Name())
	// "smtp" without a relay address still falls back to the mock.
	assert.Equal(t, "mock", NewBackend(&config.Config{NotificationBackend: "smtp"}).Name())

	backend := NewBackend(&config.Config{
		NotificationBackend: "smtp",
		SMTPAddr:            "relay.example.com:587",
		SMTPFrom:            "controlplane@example.com",
		SMTPUsername:        "controlplane",
		SMTPPassword:        "secret",
	})
	require.Equal(t, "smtp", backend.Name())
	smtpBackend := backend.(*SMTPBackend)
	assert.Equal(t, "relay.example.com:587", smtpBackend.Addr)
	assert.Equal(t, "controlplane@example.com", smtpBackend.From)
	assert.NotNil(t, smtpBackend.Auth)
}

func TestNotifierRecordsDeliveries(t *testing.T) {
	fake := storetest.New()
	backend := NewMockBackend()
	n := NewNotifier(backend, fake, []string{"ops@example.com"}, "https://cp.example.com/", nil)

	planID := "plan-1"
	n.JobCompleted(context.Background(), "job-1", &planID, "5/5 devices successfully")

	messages := backend.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, []string{"ops@example.com"}, messages[0].To)
	assert.Contains(t, messages[0].BodyText, "5/5 devices successfully")
	assert.Contains(t, messages[0].BodyText, "https://cp.example.com/plans/plan-1")

	require.Len(t, fake.NotificationLogs, 1)
	assert.True(t, fake.NotificationLogs[0].Success)
	assert.Equal(t, "job_completed", fake.NotificationLogs[0].Template)
	assert.Equal(t, "mock", fake.NotificationLogs[0].Backend)
}

func TestNotifierMissingRecipientsDegradesGracefully(t *testing.T) {
	fake := storetest.New()
	backend := NewMockBackend()
	n := NewNotifier(backend, fake, nil, "", nil)

	n.JobFailed(context.Background(), "job-1", nil, "database gone")

	// Nothing was sent, nothing panicked, and the drop is on the ledger.
	assert.Empty(t, backend.Messages())
	require.Len(t, fake.NotificationLogs, 1)
	assert.False(t, fake.NotificationLogs[0].Success)
	assert.Contains(t, fake.NotificationLogs[0].Error, "no recipients")
}
