package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"stepflow/pkg/logger"
	"stepflow/pkg/metrics"
	"stepflow/pkg/models"
)

const (
	// Header names on every work message. Msg-Id doubles as the JetStream
	// dedup key, so the broker drops republished occurrences inside its
	// duplicate window.
	HeaderMsgID       = "Nats-Msg-Id"
	HeaderJobID       = "Job-Id"
	HeaderExecutionID = "Execution-Id"

	subjectPrefix = "jobs."
)

var (
	// ErrDuplicate means the broker already saw this idempotency key.
	ErrDuplicate = errors.New("duplicate message suppressed")
	// ErrMalformed means the payload did not decode; redelivery cannot help.
	ErrMalformed = errors.New("malformed queue message")
)

// Config holds JetStream connection and consumer settings.
type Config struct {
	URL                   string
	StreamName            string
	ConsumerName          string
	MaxDeliver            int
	AckWaitSeconds        int
	PublishTimeoutSeconds int
	PublishMaxRetries     int
}

// Queue adapts JetStream work-queue semantics for the scheduler and worker:
// durable stream with per-message dedup, explicit ack, bounded redelivery.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    Config
	log    *zap.Logger
}

// New connects and idempotently provisions the stream: work-queue retention
// (messages deleted on ack), 24h max age, subjects jobs.<job-id>.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 10
	}
	if cfg.AckWaitSeconds <= 0 {
		cfg.AckWaitSeconds = 300
	}
	if cfg.PublishTimeoutSeconds <= 0 {
		cfg.PublishTimeoutSeconds = 10
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{subjectPrefix + ">"},
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to provision stream %s: %w", cfg.StreamName, err)
	}

	return &Queue{
		nc:     nc,
		js:     js,
		stream: stream,
		cfg:    cfg,
		log:    logger.Get().With(zap.String("component", "queue")),
	}, nil
}

func (q *Queue) Close() {
	q.nc.Close()
}

// Conn exposes the underlying connection for the status channel.
func (q *Queue) Conn() *nats.Conn {
	return q.nc
}

// Publish sends one work message, blocking until broker ack or timeout.
// The Msg-Id header carries the idempotency key; a publish that the broker
// reports as a duplicate returns ErrDuplicate. Transient publish errors are
// retried with exponential backoff up to PublishMaxRetries.
func (q *Queue) Publish(ctx context.Context, m models.QueueMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	msg := &nats.Msg{
		Subject: subjectPrefix + m.JobID.String(),
		Data:    payload,
		Header: nats.Header{
			HeaderMsgID:       []string{m.IdempotencyKey},
			HeaderJobID:       []string{m.JobID.String()},
			HeaderExecutionID: []string{m.ExecutionID.String()},
		},
	}

	var lastErr error
	attempts := q.cfg.PublishMaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		pubCtx, cancel := context.WithTimeout(ctx, time.Duration(q.cfg.PublishTimeoutSeconds)*time.Second)
		ack, err := q.js.PublishMsg(pubCtx, msg)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if ack.Duplicate {
			metrics.QueueDuplicatesDropped.Inc()
			return ErrDuplicate
		}
		metrics.QueuePublished.Inc()
		return nil
	}
	return fmt.Errorf("publish failed after %d attempts: %w", attempts, lastErr)
}

// Message is one delivery. Ack is terminal and removes the message from the
// work queue; Nak returns it for redelivery.
type Message struct {
	Payload    models.QueueMessage
	ParseErr   error
	Deliveries int
	StreamSeq  uint64

	raw jetstream.Msg
}

func (m *Message) Ack() error {
	if m.raw == nil {
		return nil
	}
	return m.raw.Ack()
}

func (m *Message) Nak(delay time.Duration) error {
	if m.raw == nil {
		return nil
	}
	if delay > 0 {
		return m.raw.NakWithDelay(delay)
	}
	return m.raw.Nak()
}

// Consumer is the worker-facing pull interface.
type Consumer interface {
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]*Message, error)
}

type jsConsumer struct {
	consumer jetstream.Consumer
}

// Consumer creates or binds the durable pull consumer shared by the worker
// fleet: explicit ack, bounded redelivery.
func (q *Queue) Consumer(ctx context.Context) (Consumer, error) {
	c, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Duration(q.cfg.AckWaitSeconds) * time.Second,
		MaxDeliver:    q.cfg.MaxDeliver,
		FilterSubject: subjectPrefix + ">",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to provision consumer %s: %w", q.cfg.ConsumerName, err)
	}
	return &jsConsumer{consumer: c}, nil
}

func (c *jsConsumer) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]*Message, error) {
	msgs, err := c.consumer.Fetch(batch, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, err
	}

	var out []*Message
	for raw := range msgs.Messages() {
		m := &Message{raw: raw}
		if meta, err := raw.Metadata(); err == nil {
			m.Deliveries = int(meta.NumDelivered)
			m.StreamSeq = meta.Sequence.Stream
			metrics.QueueRedeliveries.Observe(float64(meta.NumDelivered))
		}
		if err := json.Unmarshal(raw.Data(), &m.Payload); err != nil {
			m.ParseErr = fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out = append(out, m)
	}
	if err := msgs.Error(); err != nil {
		return out, err
	}
	return out, nil
}

// maxDeliveriesAdvisory is the JetStream advisory published when a message
// exhausts its delivery cap.
type maxDeliveriesAdvisory struct {
	Stream     string `json:"stream"`
	Consumer   string `json:"consumer"`
	StreamSeq  uint64 `json:"stream_seq"`
	Deliveries int    `json:"deliveries"`
}

// WatchDeadLetters subscribes to MAX_DELIVERIES advisories and invokes the
// handler with the exhausted message's idempotency key. The watchdog uses
// this to mark executions dead_letter out-of-band.
func (q *Queue) WatchDeadLetters(ctx context.Context, handler func(ctx context.Context, idempotencyKey string, deliveries int)) (*nats.Subscription, error) {
	subject := fmt.Sprintf("$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES.%s.%s", q.cfg.StreamName, q.cfg.ConsumerName)

	sub, err := q.nc.Subscribe(subject, func(msg *nats.Msg) {
		var adv maxDeliveriesAdvisory
		if err := json.Unmarshal(msg.Data, &adv); err != nil {
			q.log.Warn("undecodable max-deliveries advisory", zap.Error(err))
			return
		}

		raw, err := q.stream.GetMsg(ctx, adv.StreamSeq)
		if err != nil {
			q.log.Warn("dead-lettered message not found in stream",
				zap.Uint64("stream_seq", adv.StreamSeq), zap.Error(err))
			return
		}
		key := raw.Header.Get(HeaderMsgID)
		if key == "" {
			q.log.Warn("dead-lettered message has no idempotency key",
				zap.Uint64("stream_seq", adv.StreamSeq))
			return
		}

		metrics.QueueDeadLetters.Inc()
		handler(ctx, key, adv.Deliveries)

		// The work queue retains un-acked messages; drop the exhausted one.
		if err := q.stream.DeleteMsg(ctx, adv.StreamSeq); err != nil {
			q.log.Warn("failed to delete dead-lettered message", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to dead-letter advisories: %w", err)
	}
	return sub, nil
}
