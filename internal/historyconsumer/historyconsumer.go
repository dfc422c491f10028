// Package historyconsumer implements the standalone NATS→ClickHouse
// pipeline for cluster state mirrored by internal/cluster/stateexport.
// Pull-based batching: consumes from JetStream, accumulates decoded
// records, flushes to ClickHouse on a size-or-time trigger. This is the
// decoupled counterpart to internal/history.Sink — it runs in its own
// process (cmd/xdplb-history) against the mirror stream rather than
// subscribing to a single proxy's in-process statebus, so one history
// pipeline can aggregate several xdplb deployments.
package historyconsumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// Config holds consumer settings.
type Config struct {
	NATSURL       string
	Stream        string
	Subject       string
	ConsumerName  string
	ClickHouseDSN string
	MaxConns      int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns lean defaults sourced from constants.
func DefaultConfig() Config {
	return Config{
		NATSURL:       constants.NATSDefaultURL,
		Stream:        constants.NATSStream,
		Subject:       constants.NATSSubject,
		ConsumerName:  constants.HistoryConsumerName,
		ClickHouseDSN: constants.ClickHouseDefaultDSN,
		MaxConns:      constants.ClickHouseMaxConns,
		BatchSize:     constants.ClickHouseBatchSize,
		FlushInterval: constants.ClickHouseFlushInterval,
	}
}

// wireRecord matches internal/cluster/stateexport's publish format.
type wireRecord struct {
	Kind         string `json:"kind"`
	Key          string `json:"key"`
	Owner        string `json:"owner"`
	Timestamp    uint64 `json:"ts"`
	Payload      []byte `json:"payload"`
	MirroredAtMs int64  `json:"mirrored_at_ms"`
}

// mirroredRow is one row inserted into xdplb.mirrored_state.
type mirroredRow struct {
	Timestamp time.Time
	Kind      string
	Key       string
	Owner     string
	Version   uint64
	Payload   []byte
}

// Consumer reads mirrored cluster state from NATS JetStream and
// batch-inserts it into ClickHouse.
type Consumer struct {
	cfg    Config
	conn   driver.Conn
	logger *zap.Logger

	mu    sync.Mutex
	batch []mirroredRow
}

// New opens the ClickHouse connection a consumer will flush into.
func New(cfg Config, logger *zap.Logger) (*Consumer, error) {
	opts, err := clickhouse.ParseDSN(cfg.ClickHouseDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	opts.MaxOpenConns = cfg.MaxConns
	opts.MaxIdleConns = cfg.MaxConns
	opts.ConnMaxLifetime = 10 * time.Minute

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &Consumer{
		cfg:    cfg,
		conn:   conn,
		logger: logger.Named("historyconsumer"),
		batch:  make([]mirroredRow, 0, cfg.BatchSize),
	}, nil
}

// Close closes the ClickHouse connection.
func (c *Consumer) Close() error { return c.conn.Close() }

// Run connects to NATS JetStream, creates a durable pull consumer on the
// mirror stream, and flushes decoded records to ClickHouse until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	nc, err := nats.Connect(c.cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.ConsumerName,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: constants.HistoryMaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	go c.flusher(ctx)

	c.logger.Info("history consumer started",
		zap.String("stream", c.cfg.Stream), zap.Int("batch_size", c.cfg.BatchSize))

	sub, err := cons.Consume(func(msg jetstream.Msg) {
		var w wireRecord
		if err := json.Unmarshal(msg.Data(), &w); err != nil {
			c.logger.Warn("decode mirrored record failed", zap.Error(err))
			msg.Nak()
			return
		}
		c.enqueue(mirroredRow{
			Timestamp: time.UnixMilli(w.MirroredAtMs),
			Kind:      w.Kind,
			Key:       w.Key,
			Owner:     w.Owner,
			Version:   w.Timestamp,
			Payload:   w.Payload,
		})
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	defer sub.Stop()

	<-ctx.Done()
	c.flush(context.Background())
	return nil
}

func (c *Consumer) enqueue(row mirroredRow) {
	c.mu.Lock()
	c.batch = append(c.batch, row)
	full := len(c.batch) >= c.cfg.BatchSize
	c.mu.Unlock()
	if full {
		c.flush(context.Background())
	}
}

func (c *Consumer) flusher(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *Consumer) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return
	}
	rows := c.batch
	c.batch = make([]mirroredRow, 0, c.cfg.BatchSize)
	c.mu.Unlock()

	batch, err := c.conn.PrepareBatch(ctx,
		"INSERT INTO xdplb.mirrored_state (timestamp, kind, key, owner, version, payload)")
	if err != nil {
		c.logger.Error("prepare batch failed", zap.Error(err))
		return
	}
	for _, r := range rows {
		if err := batch.Append(r.Timestamp, r.Kind, r.Key, r.Owner, r.Version, r.Payload); err != nil {
			c.logger.Error("append row failed", zap.Error(err))
			return
		}
	}
	if err := batch.Send(); err != nil {
		c.logger.Error("send batch failed", zap.Error(err))
		return
	}
	c.logger.Info("flushed mirrored state to clickhouse", zap.Int("rows", len(rows)))
}
