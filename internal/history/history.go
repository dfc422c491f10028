// Package history batch-inserts health transitions, circuit-breaker
// transitions, and reaped conntrack rows into ClickHouse for post-hoc
// analysis, the way internal/storage.ClickHouse batch-inserts EventRows.
// Supplements spec.md: the core only describes transient kernel/process
// state, but an operator debugging a failover needs the transition log
// this sink provides.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
	"github.com/sureshkrishnan-v/xdplb/internal/statebus"
)

// Config holds ClickHouse connection and batching settings.
type Config struct {
	DSN           string
	MaxConns      int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns lean defaults sourced from constants.
func DefaultConfig() Config {
	return Config{
		DSN:           constants.ClickHouseDefaultDSN,
		MaxConns:      constants.ClickHouseMaxConns,
		BatchSize:     constants.ClickHouseBatchSize,
		FlushInterval: constants.ClickHouseFlushInterval,
	}
}

// TransitionRow is one row inserted into xdplb.transitions.
type TransitionRow struct {
	Timestamp time.Time
	Kind      string
	ProxyName string
	Target    string
	From      string
	To        string
}

// ReapedConnectionRow is one row inserted into xdplb.reaped_connections.
type ReapedConnectionRow struct {
	Timestamp  time.Time
	ProxyName  string
	SrcAddr    string
	DstAddr    string
	TargetAddr string
	PacketsFwd uint64
	BytesFwd   uint64
}

// Sink is the history batch-insert client. It drains a statebus.Bus
// subscription for transitions and exposes RecordReaped for the conntrack
// sweeper, which has no Transition shape of its own.
type Sink struct {
	cfg    Config
	logger *zap.Logger
	conn   driver.Conn
	bus    *statebus.Bus
	events <-chan *statebus.Transition

	mu             sync.Mutex
	transitions    []TransitionRow
	reaped         []ReapedConnectionRow
	reapedIncoming chan ReapedConnectionRow

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the ClickHouse connection and subscribes to bus under "history".
func New(cfg Config, bus *statebus.Bus, logger *zap.Logger) (*Sink, error) {
	opts, err := clickhouse.ParseDSN(cfg.DSN)
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

	s := &Sink{
		cfg:            cfg,
		logger:         logger.Named("history"),
		conn:           conn,
		bus:            bus,
		transitions:    make([]TransitionRow, 0, cfg.BatchSize),
		reaped:         make([]ReapedConnectionRow, 0, cfg.BatchSize),
		reapedIncoming: make(chan ReapedConnectionRow, 4096),
	}
	s.events = bus.Subscribe("history")

	s.logger.Info("clickhouse connected", zap.String("dsn", cfg.DSN))
	return s, nil
}

// Name identifies this component in coordinator logs.
func (s *Sink) Name() string { return "history" }

// Start drains transitions and reaped-connection rows on a flush ticker.
// Blocks until ctx ends.
func (s *Sink) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			s.flush(context.Background())
			return runCtx.Err()
		case tr, ok := <-s.events:
			if !ok {
				s.flush(context.Background())
				return nil
			}
			s.enqueueTransition(tr)
			statebus.Release(tr)
		case row := <-s.reapedIncoming:
			s.enqueueReaped(row)
		case <-ticker.C:
			s.flush(runCtx)
		}
	}
}

// Stop flushes remaining rows and closes the connection.
func (s *Sink) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.flush(ctx)
	return s.conn.Close()
}

// RecordReaped enqueues one reaped conntrack row, non-blocking.
func (s *Sink) RecordReaped(row ReapedConnectionRow) {
	select {
	case s.reapedIncoming <- row:
	default:
		s.logger.Warn("history reaped-row queue full, dropping row", zap.String("proxy", row.ProxyName))
	}
}

func (s *Sink) enqueueTransition(tr *statebus.Transition) {
	s.mu.Lock()
	s.transitions = append(s.transitions, TransitionRow{
		Timestamp: tr.At,
		Kind:      tr.Kind.String(),
		ProxyName: tr.ProxyName,
		Target:    tr.Target,
		From:      tr.From,
		To:        tr.To,
	})
	full := len(s.transitions) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		s.flush(context.Background())
	}
}

func (s *Sink) enqueueReaped(row ReapedConnectionRow) {
	s.mu.Lock()
	s.reaped = append(s.reaped, row)
	full := len(s.reaped) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		s.flush(context.Background())
	}
}

func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	transitions := s.transitions
	s.transitions = make([]TransitionRow, 0, s.cfg.BatchSize)
	reaped := s.reaped
	s.reaped = make([]ReapedConnectionRow, 0, s.cfg.BatchSize)
	s.mu.Unlock()

	if len(transitions) > 0 {
		if err := s.insertTransitions(ctx, transitions); err != nil {
			s.logger.Error("insert transitions failed", zap.Error(err))
		}
	}
	if len(reaped) > 0 {
		if err := s.insertReaped(ctx, reaped); err != nil {
			s.logger.Error("insert reaped connections failed", zap.Error(err))
		}
	}
}

func (s *Sink) insertTransitions(ctx context.Context, rows []TransitionRow) error {
	batch, err := s.conn.PrepareBatch(ctx,
		"INSERT INTO xdplb.transitions (timestamp, kind, proxy, target, from_state, to_state)")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.Timestamp, r.Kind, r.ProxyName, r.Target, r.From, r.To); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	s.logger.Debug("transitions inserted", zap.Int("rows", len(rows)))
	return nil
}

func (s *Sink) insertReaped(ctx context.Context, rows []ReapedConnectionRow) error {
	batch, err := s.conn.PrepareBatch(ctx,
		"INSERT INTO xdplb.reaped_connections (timestamp, proxy, src_addr, dst_addr, target_addr, packets_fwd, bytes_fwd)")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.Timestamp, r.ProxyName, r.SrcAddr, r.DstAddr, r.TargetAddr, r.PacketsFwd, r.BytesFwd); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	s.logger.Debug("reaped connections inserted", zap.Int("rows", len(rows)))
	return nil
}
