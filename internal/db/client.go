package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/circuitbreaker"
)

// ErrQueueFull is returned by QueueEventLog when the write queue is full.
var ErrQueueFull = errors.New("event log write queue is full")

// Config holds database configuration
type Config struct {
	// Driver is "postgres" or "sqlite3".
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	// Workers drain the async write queue.
	Workers   int
	QueueSize int
	// FlushInterval bounds how long a queued row waits for its batch.
	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 5
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// Client manages the event-log database and its async writers.
type Client struct {
	db      *sqlx.DB
	driver  string
	logger  *zap.Logger
	breaker *circuitbreaker.CircuitBreaker

	writeQueue    chan *EventLog
	workers       int
	flushInterval time.Duration
	stopCh        chan struct{}
	workerWg      sync.WaitGroup
	closeOnce     sync.Once
}

// NewClient opens the database, pings it and starts the write workers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	config.applyDefaults()
	if config.DSN == "" {
		return nil, errors.New("database DSN is required")
	}

	db, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.IdleConnections)
	db.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := NewFromDB(db, config, logger)
	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)
	return client, nil
}

// NewFromDB wraps an open handle and starts the write workers.
func NewFromDB(db *sqlx.DB, config *Config, logger *zap.Logger) *Client {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := db.DriverName()
	if driver == "" {
		driver = config.Driver
	}

	cb := circuitbreaker.NewCircuitBreaker("event-log",
		circuitbreaker.WithMetrics("sink", circuitbreaker.SinkConfig("DB")), logger)
	circuitbreaker.Register("sink", cb)

	c := &Client{
		db:            db,
		driver:        driver,
		logger:        logger,
		breaker:       cb,
		writeQueue:    make(chan *EventLog, config.QueueSize),
		workers:       config.Workers,
		flushInterval: config.FlushInterval,
		stopCh:        make(chan struct{}),
	}
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	return c
}

// Breaker exposes the write breaker for health checks.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// DB exposes the underlying handle.
func (c *Client) DB() *sqlx.DB { return c.db }

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// QueueEventLog schedules e for a batched insert without blocking.
func (c *Client) QueueEventLog(e *EventLog) error {
	select {
	case <-c.stopCh:
		return errors.New("database client is closed")
	default:
	}
	select {
	case c.writeQueue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeWorker batches queued rows, flushing at 100 rows or every
// flushInterval.
func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	batch := make([]*EventLog, 0, 100)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			batch = c.drainQueue(batch)
			c.flush(batch)
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case e := <-c.writeQueue:
			batch = append(batch, e)
			if len(batch) >= 100 {
				c.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				c.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// drainQueue moves whatever is left in the queue into batch.
func (c *Client) drainQueue(batch []*EventLog) []*EventLog {
	for {
		select {
		case e := <-c.writeQueue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (c *Client) flush(batch []*EventLog) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.BatchSaveEventLogs(ctx, batch)
	})
	if err != nil {
		c.logger.Error("Failed to batch save event logs", zap.Int("count", len(batch)), zap.Error(err))
	}
}

// Close stops the workers after they flush the queue, then closes the
// database.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Shutting down database client")
		close(c.stopCh)
		c.workerWg.Wait()
		err = c.db.Close()
	})
	return err
}
