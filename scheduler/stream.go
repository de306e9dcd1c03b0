package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/moprocor/planning"
)

// StreamConfig configures the JetStream job queue.
type StreamConfig struct {
	StreamName    string        `yaml:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ConsumerName  string        `yaml:"consumer_name"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxDeliver    int           `yaml:"max_deliver"`
}

// DefaultStreamConfig returns the default stream settings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		StreamName:    "MOPROCOR_JOBS",
		SubjectPrefix: "moprocor.jobs",
		ConsumerName:  "moprocor-updater",
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	}
}

// Subject returns the subject jobs of kind are published on.
func (c StreamConfig) Subject(kind planning.ActionKind) string {
	return c.SubjectPrefix + "." + string(kind)
}

// StreamQueue persists jobs in a JetStream stream before they reach the
// local pool, so jobs submitted just before a restart are not lost.
//
// Submit publishes in the background. If publishing fails after retries the
// job is handed straight to the pool.
type StreamQueue struct {
	nc     *natsclient.Client
	pool   *Pool
	config StreamConfig
	logger *slog.Logger

	mu       sync.Mutex
	consumer jetstream.Consumer
	cancel   context.CancelFunc
	baseCtx  context.Context
	stopped  bool
	// wg.Add only happens under mu while !stopped.
	wg sync.WaitGroup
}

// NewStreamQueue creates a queue in front of pool.
func NewStreamQueue(nc *natsclient.Client, pool *Pool, cfg StreamConfig, logger *slog.Logger) (*StreamQueue, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS client required")
	}
	if pool == nil {
		return nil, fmt.Errorf("pool required")
	}
	def := DefaultStreamConfig()
	if cfg.StreamName == "" {
		cfg.StreamName = def.StreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = def.ConsumerName
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = def.AckWait
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = def.MaxDeliver
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamQueue{nc: nc, pool: pool, config: cfg, logger: logger}, nil
}

// Start creates the stream and durable consumer if needed and begins moving
// jobs from the stream into the pool.
func (q *StreamQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if q.cancel != nil {
		q.mu.Unlock()
		return fmt.Errorf("stream queue already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.baseCtx = subCtx
	q.mu.Unlock()

	js, err := q.nc.JetStream()
	if err != nil {
		cancel()
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(subCtx, jetstream.StreamConfig{
		Name:        q.config.StreamName,
		Description: "moprocor plan update jobs",
		Subjects:    []string{q.config.SubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      24 * time.Hour,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("create stream %s: %w", q.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       q.config.ConsumerName,
		FilterSubject: q.config.SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.config.AckWait,
		MaxDeliver:    q.config.MaxDeliver,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("create consumer: %w", err)
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		cancel()
		return ErrStopped
	}
	q.consumer = consumer
	q.wg.Add(1)
	q.mu.Unlock()

	go q.consumeLoop(subCtx)

	q.logger.Info("Update stream queue started",
		"stream", q.config.StreamName,
		"consumer", q.config.ConsumerName,
		"subject", q.config.SubjectPrefix+".>")
	return nil
}

// Submit implements Submitter. It returns at once. Before Start and after
// Stop the job goes straight to the pool.
func (q *StreamQueue) Submit(job planning.Job) error {
	q.mu.Lock()
	ctx := q.baseCtx
	if q.stopped || ctx == nil || ctx.Err() != nil {
		q.mu.Unlock()
		return q.pool.Submit(job)
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		if err := q.publish(ctx, job); err != nil {
			q.logger.Warn("Failed to publish plan update job, running it locally",
				"lot", job.Order.ArapackLot,
				"kind", job.Kind,
				"job_id", job.ID,
				"error", err)
			_ = q.pool.Submit(job)
		}
	}()
	return nil
}

func (q *StreamQueue) publish(ctx context.Context, job planning.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	subject := q.config.Subject(job.Kind)

	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return retry.Do(pubCtx, retry.DefaultConfig(), func() error {
		return q.nc.PublishToStream(pubCtx, subject, data)
	})
}

// consumeLoop continuously moves jobs from the consumer into the pool.
func (q *StreamQueue) consumeLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			q.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			q.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleMessage hands one job to the pool. A full pool naks the message so
// JetStream redelivers it later.
func (q *StreamQueue) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			q.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	var job planning.Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error("Failed to parse job message", "subject", msg.Subject(), "error", err)
		// Malformed jobs will not parse on redelivery either.
		if err := msg.Term(); err != nil {
			q.logger.Warn("Failed to TERM message", "error", err)
		}
		return
	}

	if err := q.pool.Submit(job); err != nil {
		if err := msg.NakWithDelay(q.config.AckWait); err != nil {
			q.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		q.logger.Warn("Failed to ACK message", "error", err)
	}
}

// Stop ends consumption and waits for in-progress publishes.
func (q *StreamQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}
