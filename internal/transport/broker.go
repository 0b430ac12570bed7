// Package transport resolves a device id into a ready-to-use management
// client: REST over HTTPS first, an interactive SSH shell as fallback.
// Credential decryption happens here and nowhere else; callers only ever
// see scoped client handles they must Close.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/ssh"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/crypto"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// DeviceREST is the slice of RESTClient consumers depend on, narrowed so
// tests can substitute fakes.
type DeviceREST interface {
	GetJSON(ctx context.Context, path string, out interface{}) error
	ExportConfig(ctx context.Context) (string, error)
	Close() error
}

// DeviceShell is the shell-channel counterpart of DeviceREST.
type DeviceShell interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// ClientBroker is what the snapshot and health services consume.
type ClientBroker interface {
	GetRESTClient(ctx context.Context, deviceID string) (DeviceREST, error)
	GetShellClient(ctx context.Context, deviceID string) (DeviceShell, error)
}

type brokerStore interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	GetActiveCredential(ctx context.Context, deviceID string, kind model.CredentialKind) (*model.Credential, error)
	UpdateDeviceStatus(ctx context.Context, id string, status model.DeviceStatus) error
	TouchDeviceLastSeen(ctx context.Context, id string, t time.Time) error
}

// Broker resolves device ids to transport clients. Device rows
// are read through a short TTL cache so repeated client lookups (health
// checks, snapshot captures) don't hammer the database with identical
// lookups.
type Broker struct {
	store        brokerStore
	cipher       *crypto.Cipher
	verifySSL    bool
	restTimeout  time.Duration
	shellTimeout time.Duration
	devices      *ttlcache.Cache[string, *model.Device]
	log          *log.PrefixLogger
}

func NewBroker(store brokerStore, cipher *crypto.Cipher, verifySSL bool, restTimeout, shellTimeout time.Duration, logger *log.PrefixLogger) *Broker {
	if logger == nil {
		logger = log.NewPrefixLogger("transport")
	}
	cache := ttlcache.New[string, *model.Device](
		ttlcache.WithTTL[string, *model.Device](30 * time.Second),
	)
	go cache.Start()
	return &Broker{
		store:        store,
		cipher:       cipher,
		verifySSL:    verifySSL,
		restTimeout:  restTimeout,
		shellTimeout: shellTimeout,
		devices:      cache,
		log:          logger,
	}
}

func (b *Broker) device(ctx context.Context, id string) (*model.Device, error) {
	if item := b.devices.Get(id); item != nil {
		return item.Value(), nil
	}
	d, err := b.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	b.devices.Set(id, d, ttlcache.DefaultTTL)
	return d, nil
}

// Invalidate drops a device from the broker's cache, used after status
// or credential changes.
func (b *Broker) Invalidate(deviceID string) {
	b.devices.Delete(deviceID)
}

// GetRESTClient resolves a device's REST credential and returns a client
// the caller must Close.
func (b *Broker) GetRESTClient(ctx context.Context, deviceID string) (DeviceREST, error) {
	d, err := b.device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	cred, err := b.store.GetActiveCredential(ctx, deviceID, model.CredentialREST)
	if err != nil {
		return nil, err
	}
	password, err := b.cipher.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	return newRESTClient(d.Address, d.Port, cred.Username, password, b.verifySSL, b.restTimeout), nil
}

// GetShellClient dials the device over SSH using its shell or shell_key
// credential (password preferred, key as fallback).
func (b *Broker) GetShellClient(ctx context.Context, deviceID string) (DeviceShell, error) {
	d, err := b.device(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	cred, err := b.store.GetActiveCredential(ctx, deviceID, model.CredentialShell)
	if err != nil {
		cred, err = b.store.GetActiveCredential(ctx, deviceID, model.CredentialShellKey)
		if err != nil {
			return nil, err
		}
	}
	secret, err := b.cipher.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return nil, err
	}

	var auth ssh.AuthMethod
	if cred.Kind == model.CredentialShellKey {
		signer, err := ssh.ParsePrivateKey([]byte(secret))
		if err != nil {
			return nil, ccerrors.Wrap(ccerrors.Decryption, "parsing SSH private key", err)
		}
		auth = ssh.PublicKeys(signer)
	} else {
		auth = ssh.Password(secret)
	}

	cfg := &ssh.ClientConfig{
		User: cred.Username,
		Auth: []ssh.AuthMethod{auth},
		// Devices are provisioned with self-signed identities; host keys
		// are not pinned at this layer.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         b.shellTimeout,
	}
	addr := net.JoinHostPort(d.Address, "22")
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, ccerrors.Wrap(ccerrors.DeviceUnreachable, "dialing device shell", err)
	}
	return &ShellClient{client: client, timeout: b.shellTimeout}, nil
}

// ConnectivityMeta records how a connectivity probe went, transport by
// transport.
type ConnectivityMeta struct {
	Transport           string   `json:"transport"`
	FallbackUsed        bool     `json:"fallback_used"`
	AttemptedTransports []string `json:"attempted_transports"`
	FailureReason       string   `json:"failure_reason,omitempty"`
}

// CheckConnectivity tries REST first, then shell, returning success on
// the first transport that answers. The device's status and last_seen_at
// are updated with the outcome.
func (b *Broker) CheckConnectivity(ctx context.Context, deviceID string) (bool, ConnectivityMeta, error) {
	meta := ConnectivityMeta{}

	rest, err := b.GetRESTClient(ctx, deviceID)
	if err == nil {
		meta.AttemptedTransports = append(meta.AttemptedTransports, "rest")
		var identity map[string]interface{}
		err = rest.GetJSON(ctx, "/rest/system/identity", &identity)
		rest.Close()
		if err == nil {
			meta.Transport = "rest"
			b.markReachable(ctx, deviceID)
			return true, meta, nil
		}
	}
	restErr := err

	shell, err := b.GetShellClient(ctx, deviceID)
	if err == nil {
		meta.AttemptedTransports = append(meta.AttemptedTransports, "shell")
		_, err = shell.Run(ctx, "/system/identity/print")
		shell.Close()
		if err == nil {
			meta.Transport = "shell"
			meta.FallbackUsed = true
			b.markReachable(ctx, deviceID)
			return true, meta, nil
		}
	}

	meta.FailureReason = fmt.Sprintf("rest: %v; shell: %v", restErr, err)
	if uerr := b.store.UpdateDeviceStatus(ctx, deviceID, model.DeviceUnreachable); uerr != nil {
		b.log.WithError(uerr).Errorf("failed to mark device %s unreachable", deviceID)
	}
	b.Invalidate(deviceID)
	return false, meta, ccerrors.New(ccerrors.DeviceUnreachable, "all transports exhausted: "+meta.FailureReason)
}

func (b *Broker) markReachable(ctx context.Context, deviceID string) {
	if err := b.store.TouchDeviceLastSeen(ctx, deviceID, time.Now().UTC()); err != nil {
		b.log.WithError(err).Errorf("failed to update last_seen_at for device %s", deviceID)
	}
}
