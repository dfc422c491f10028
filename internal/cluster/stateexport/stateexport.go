// Package stateexport mirrors applied cluster SyncableState to NATS
// JetStream, so an external consumer (e.g. a dashboard, or another xdplb
// deployment's cmd/xdplb-history) can observe membership/health/circuit-
// breaker transitions without joining the gossip ring itself. Grounded on
// internal/export.NATSExporter's batch+flush-ticker publish shape.
package stateexport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// Config holds NATS mirror settings.
type Config struct {
	URL           string
	Stream        string
	Subject       string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		URL:           constants.NATSDefaultURL,
		Stream:        constants.NATSStream,
		Subject:       constants.NATSSubject,
		BatchSize:     constants.NATSBatchSize,
		FlushInterval: constants.NATSFlushInterval,
	}
}

// wireRecord is the JSON wire format published to the mirror stream.
type wireRecord struct {
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Owner     string `json:"owner"`
	Timestamp uint64 `json:"ts"`
	Payload   []byte `json:"payload"`
	MirroredAtMs int64 `json:"mirrored_at_ms"`
}

// Mirror publishes applied state records to a JetStream stream on a
// batch+ticker cadence.
type Mirror struct {
	cfg    Config
	logger *zap.Logger

	nc *nats.Conn
	js jetstream.JetStream

	mu    sync.Mutex
	batch [][]byte

	records chan wireRecord
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Mirror. Publish is safe to call before Start; records queue
// until the connection is up.
func New(cfg Config, logger *zap.Logger) *Mirror {
	return &Mirror{
		cfg:     cfg,
		logger:  logger.Named("stateexport"),
		batch:   make([][]byte, 0, cfg.BatchSize),
		records: make(chan wireRecord, 1024),
	}
}

// Start connects to NATS, ensures the mirror stream exists, and begins
// draining queued records.
func (m *Mirror) Start(ctx context.Context) error {
	nc, err := nats.Connect(m.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			m.logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return err
	}
	m.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}
	m.js = js

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      m.cfg.Stream,
		Subjects:  []string{m.cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		MaxBytes:  constants.NATSStreamMaxBytes,
		Discard:   jetstream.DiscardOld,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(runCtx)

	m.logger.Info("state mirror started", zap.String("url", m.cfg.URL), zap.String("subject", m.cfg.Subject))
	return nil
}

// Stop flushes any buffered records and drains the NATS connection.
func (m *Mirror) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	m.flush()
	if m.nc != nil {
		return m.nc.Drain()
	}
	return nil
}

// Publish enqueues one state record for mirroring. Non-blocking: a full
// queue drops the record rather than stalling the caller (the cluster's
// reconcile path must never block on this).
func (m *Mirror) Publish(kind, key, owner string, timestamp uint64, payload []byte) {
	rec := wireRecord{Kind: kind, Key: key, Owner: owner, Timestamp: timestamp, Payload: payload}
	select {
	case m.records <- rec:
	default:
		m.logger.Warn("state mirror queue full, dropping record", zap.String("kind", kind))
	}
}

func (m *Mirror) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flush()
			return
		case rec := <-m.records:
			m.enqueue(rec)
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Mirror) enqueue(rec wireRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.batch = append(m.batch, data)
	full := len(m.batch) >= m.cfg.BatchSize
	m.mu.Unlock()

	if full {
		m.flush()
	}
}

func (m *Mirror) flush() {
	m.mu.Lock()
	if len(m.batch) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.batch
	m.batch = make([][]byte, 0, m.cfg.BatchSize)
	m.mu.Unlock()

	for _, data := range batch {
		m.nc.Publish(m.cfg.Subject, data)
	}
	m.nc.Flush()
}
