// Package snapshot captures, compresses, checksums and retains device
// configuration exports. Captures prefer the REST transport and fall
// back to the shell export command; shell-sourced snapshots are flagged
// redacted because the export hides sensitive values.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/store/model"
	"github.com/routeros-fleet/controlplane/internal/transport"
)

// KindConfig is the default (and currently only) snapshot kind.
const KindConfig = "config"

// shellExportCommand is the fixed export the shell fallback issues.
const shellExportCommand = "/export hide-sensitive compact"

type snapshotStore interface {
	CreateSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetLatestSnapshot(ctx context.Context, deviceID, kind string) (*model.Snapshot, error)
	PruneSnapshots(ctx context.Context, deviceID, kind string, keepN int) (int64, error)
}

// Options tunes the pipeline; zero values fall back to the service defaults.
type Options struct {
	MaxSizeBytes     int
	CompressionLevel int
	UseShellFallback bool
}

func (o Options) withDefaults() Options {
	if o.MaxSizeBytes <= 0 {
		o.MaxSizeBytes = 10 * 1024 * 1024
	}
	if o.CompressionLevel <= 0 {
		o.CompressionLevel = 6
	}
	return o
}

// Service is the snapshot pipeline.
type Service struct {
	store   snapshotStore
	broker  transport.ClientBroker
	metrics *Metrics
	opts    Options
	log     *log.PrefixLogger
	now     func() time.Time
}

func NewService(store snapshotStore, broker transport.ClientBroker, metrics *Metrics, opts Options, logger *log.PrefixLogger) *Service {
	if logger == nil {
		logger = log.NewPrefixLogger("snapshot")
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		store:   store,
		broker:  broker,
		metrics: metrics,
		opts:    opts.withDefaults(),
		log:     logger,
		now:     time.Now,
	}
}

// Capture exports the device's configuration, compresses and persists it,
// and returns the new snapshot id.
func (s *Service) Capture(ctx context.Context, deviceID, kind string) (string, error) {
	if kind == "" {
		kind = KindConfig
	}
	start := s.now()

	text, source, redacted, err := s.fetchConfig(ctx, deviceID)
	if err != nil {
		s.metrics.captures.WithLabelValues(deviceID, kind, source, "error").Inc()
		return "", err
	}

	if len(text) > s.opts.MaxSizeBytes {
		s.metrics.captures.WithLabelValues(deviceID, kind, source, "rejected").Inc()
		return "", ccerrors.New(ccerrors.Validation,
			fmt.Sprintf("snapshot size %d exceeds maximum %d bytes", len(text), s.opts.MaxSizeBytes))
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, s.opts.CompressionLevel)
	if err != nil {
		return "", ccerrors.Wrap(ccerrors.Validation, "invalid compression level", err)
	}
	if _, err := zw.Write([]byte(text)); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	checksum := sha256.Sum256([]byte(text))
	snap := &model.Snapshot{
		ID:               "snap-" + s.now().UTC().Format("20060102150405") + "-" + uuid.New().String()[:8],
		DeviceID:         deviceID,
		Kind:             kind,
		Timestamp:        s.now().UTC(),
		CompressedData:   buf.Bytes(),
		UncompressedSize: len(text),
		CompressedSize:   buf.Len(),
		Compression:      "gzip",
		CompressionLevel: s.opts.CompressionLevel,
		Checksum:         hex.EncodeToString(checksum[:]),
		ChecksumAlgo:     "sha256",
		Source:           source,
		Redacted:         redacted,
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		s.metrics.captures.WithLabelValues(deviceID, kind, source, "error").Inc()
		return "", err
	}

	s.metrics.captures.WithLabelValues(deviceID, kind, source, "success").Inc()
	s.metrics.duration.Observe(s.now().Sub(start).Seconds())
	s.metrics.size.Observe(float64(len(text)))
	if buf.Len() > 0 {
		s.metrics.ratio.Observe(float64(len(text)) / float64(buf.Len()))
	}
	s.metrics.age.WithLabelValues(deviceID, kind).Set(0)
	return snap.ID, nil
}

// fetchConfig tries REST first and shell second, reporting which source
// answered and whether the text is a redacted export.
func (s *Service) fetchConfig(ctx context.Context, deviceID string) (text, source string, redacted bool, err error) {
	rest, restErr := s.broker.GetRESTClient(ctx, deviceID)
	if restErr == nil {
		text, restErr = rest.ExportConfig(ctx)
		rest.Close()
		if restErr == nil {
			return text, "rest", false, nil
		}
	}

	if !s.opts.UseShellFallback {
		return "", "rest", false, ccerrors.Wrap(ccerrors.DeviceUnreachable, "config export via REST failed", restErr)
	}

	shell, shellErr := s.broker.GetShellClient(ctx, deviceID)
	if shellErr == nil {
		text, shellErr = shell.Run(ctx, shellExportCommand)
		shell.Close()
		if shellErr == nil {
			return text, "shell", true, nil
		}
	}
	return "", "shell", false, ccerrors.New(ccerrors.DeviceUnreachable,
		fmt.Sprintf("config export failed on all transports: rest: %v; shell: %v", restErr, shellErr))
}

// GetLatest returns the newest snapshot for (device, kind), updating the
// staleness gauge as a side effect.
func (s *Service) GetLatest(ctx context.Context, deviceID, kind string) (*model.Snapshot, error) {
	if kind == "" {
		kind = KindConfig
	}
	snap, err := s.store.GetLatestSnapshot(ctx, deviceID, kind)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.metrics.missing.WithLabelValues(deviceID, kind).Inc()
		return nil, ccerrors.New(ccerrors.Validation, "no snapshot exists for device "+deviceID)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.age.WithLabelValues(deviceID, kind).Set(s.now().Sub(snap.Timestamp).Seconds())
	return snap, nil
}

// Prune deletes rows beyond the keepN most recent for (device, kind).
func (s *Service) Prune(ctx context.Context, deviceID, kind string, keepN int) (int64, error) {
	if kind == "" {
		kind = KindConfig
	}
	return s.store.PruneSnapshots(ctx, deviceID, kind, keepN)
}

// Decode gunzips a snapshot back to its configuration text.
func (s *Service) Decode(snap *model.Snapshot) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(snap.CompressedData))
	if err != nil {
		return "", ccerrors.Wrap(ccerrors.Validation, "snapshot is not valid gzip", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", ccerrors.Wrap(ccerrors.Validation, "decompressing snapshot", err)
	}
	if !utf8.Valid(raw) {
		return "", ccerrors.New(ccerrors.Validation, "snapshot text is not valid UTF-8")
	}
	return string(raw), nil
}
