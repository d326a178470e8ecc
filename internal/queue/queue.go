// Package queue hands summary messages to the durable downstream queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/normalize"
)

// ErrPublish means the queue did not confirm a message. The message may or
// may not have been stored; republishing is safe because consumers and the
// broker deduplicate on the message's dedup key.
var ErrPublish = errors.New("publish failed")

// Publisher delivers summaries to the downstream queue. Publish returns only
// after the queue has durably accepted the message.
type Publisher interface {
	Publish(ctx context.Context, msg *model.SummaryMessage) error
	Close() error
}

func publishError(msg *model.SummaryMessage, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPublish, msg.DedupKey(), err)
}

// WriterPublisher writes summaries as newline-delimited JSON.
type WriterPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPublisher creates a publisher that writes to w.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

func (p *WriterPublisher) Publish(ctx context.Context, msg *model.SummaryMessage) error {
	data, err := normalize.Encode(msg)
	if err != nil {
		return publishError(msg, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(append(data, '\n')); err != nil {
		return publishError(msg, err)
	}
	return nil
}

func (p *WriterPublisher) Close() error {
	return nil
}
