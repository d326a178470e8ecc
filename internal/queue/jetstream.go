package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/normalize"
)

const (
	defaultAckTimeout = 5 * time.Second
	// defaultDuplicates is how long the broker remembers message IDs.
	defaultDuplicates = 10 * time.Minute
)

// JetStreamOptions configures the JetStream publisher and consumer.
type JetStreamOptions struct {
	URL     string
	Stream  string
	Subject string

	// AckTimeout bounds the wait for the broker's acknowledgement.
	AckTimeout time.Duration
	// Duplicates is the broker's deduplication window.
	Duplicates time.Duration

	Logger *slog.Logger
	// NATSOptions are appended to the connection defaults.
	NATSOptions []nats.Option
}

func (o *JetStreamOptions) setDefaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.Duplicates <= 0 {
		o.Duplicates = defaultDuplicates
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// connect opens a NATS connection that reconnects forever.
func connect(opts JetStreamOptions) (*nats.Conn, error) {
	logger := opts.Logger
	defaults := []nats.Option{
		nats.Name("eventpoller"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("queue connection lost", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("queue connection restored", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(opts.URL, append(defaults, opts.NATSOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", opts.URL, err)
	}
	return nc, nil
}

// ensureStream creates the summary stream, or updates it to match opts.
func ensureStream(ctx context.Context, js jetstream.JetStream, opts JetStreamOptions) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{opts.Subject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: opts.Duplicates,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring stream %s: %w", opts.Stream, err)
	}
	return stream, nil
}

// JetStreamPublisher publishes summaries to a JetStream stream and waits
// for the broker's acknowledgement. The connection is opened on first use
// and shared by all callers.
type JetStreamPublisher struct {
	opts JetStreamOptions

	mu sync.Mutex
	nc *nats.Conn
	js jetstream.JetStream
}

// NewJetStreamPublisher creates a publisher. No connection is made until
// the first Publish.
func NewJetStreamPublisher(opts JetStreamOptions) *JetStreamPublisher {
	opts.setDefaults()
	return &JetStreamPublisher{opts: opts}
}

func (p *JetStreamPublisher) stream(ctx context.Context) (jetstream.JetStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.js != nil {
		return p.js, nil
	}

	nc, err := connect(p.opts)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	if _, err := ensureStream(ctx, js, p.opts); err != nil {
		nc.Close()
		return nil, err
	}
	p.nc, p.js = nc, js
	p.opts.Logger.Info("queue connected", "url", nc.ConnectedUrl(), "stream", p.opts.Stream, "subject", p.opts.Subject)
	return js, nil
}

// Publish sends msg with its dedup key as the JetStream message ID, so a
// republish inside the duplicate window is stored once.
func (p *JetStreamPublisher) Publish(ctx context.Context, msg *model.SummaryMessage) error {
	data, err := normalize.Encode(msg)
	if err != nil {
		return publishError(msg, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.AckTimeout)
	defer cancel()

	js, err := p.stream(ctx)
	if err != nil {
		return publishError(msg, err)
	}
	ack, err := js.Publish(ctx, p.opts.Subject, data, jetstream.WithMsgID(msg.DedupKey()))
	if err != nil {
		return publishError(msg, err)
	}
	if ack.Duplicate {
		p.opts.Logger.Debug("queue dropped duplicate summary", "key", msg.DedupKey(), "seq", ack.Sequence)
	}
	return nil
}

func (p *JetStreamPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc != nil {
		p.nc.Close()
		p.nc, p.js = nil, nil
	}
	return nil
}

// JetStreamConsumer reads summaries from a durable pull consumer and acks
// each one after its handler succeeds.
type JetStreamConsumer struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// NewJetStreamConsumer connects and creates (or resumes) the durable
// consumer named durable.
func NewJetStreamConsumer(ctx context.Context, opts JetStreamOptions, durable string) (*JetStreamConsumer, error) {
	opts.setDefaults()
	nc, err := connect(opts)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	stream, err := ensureStream(ctx, js, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: opts.Subject,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating consumer %s: %w", durable, err)
	}
	return &JetStreamConsumer{nc: nc, consumer: consumer, logger: opts.Logger}, nil
}

// Handler processes one summary. A non-nil error requests redelivery.
type Handler func(ctx context.Context, msg *model.SummaryMessage) error

// Consume delivers messages to h until ctx is done or limit messages were
// acknowledged (limit <= 0 means no limit). Undecodable messages are
// terminated so they are not redelivered.
func (c *JetStreamConsumer) Consume(ctx context.Context, limit int, h Handler) error {
	acked := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		batchSize := 16
		if limit > 0 && limit-acked < batchSize {
			batchSize = limit - acked
		}
		batch, err := c.consumer.Fetch(batchSize, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetching messages: %w", err)
		}
		for m := range batch.Messages() {
			var msg model.SummaryMessage
			if err := json.Unmarshal(m.Data(), &msg); err != nil {
				c.logger.Warn("dropping undecodable summary", "subject", m.Subject(), "err", err)
				_ = m.Term()
				continue
			}
			if err := h(ctx, &msg); err != nil {
				c.logger.Warn("summary handler failed, requesting redelivery", "key", msg.DedupKey(), "err", err)
				_ = m.Nak()
				continue
			}
			if err := m.Ack(); err != nil {
				return fmt.Errorf("acking %s: %w", msg.DedupKey(), err)
			}
			acked++
			if limit > 0 && acked >= limit {
				return nil
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			c.logger.Debug("fetch ended early", "err", err)
		}
	}
}

func (c *JetStreamConsumer) Close() error {
	c.nc.Close()
	return nil
}
