package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/kafka-go"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// startTestNATS starts an embedded NATS server with JetStream enabled and
// returns it with its client URL.
func startTestNATS(t *testing.T) (*natsserver.Server, string) {
	t.Helper()
	srv := runTestNATS(t, -1, t.TempDir())
	return srv, srv.ClientURL()
}

// runTestNATS starts a JetStream server on port with its store in dir.
func runTestNATS(t *testing.T, port int, dir string) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      port,
		JetStream: true,
		StoreDir:  dir,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testOptions(url string) JetStreamOptions {
	return JetStreamOptions{
		URL:        url,
		Stream:     "EVENT_SUMMARY",
		Subject:    "events.summary",
		AckTimeout: 2 * time.Second,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func summary(eventID string) *model.SummaryMessage {
	return &model.SummaryMessage{
		EventID:    eventID,
		SubjectID:  "u1",
		EventType:  model.EventTypePush,
		OccurredAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		RepoName:   "octo/widgets",
		Commits:    []model.CommitSummary{{SHA: "a1", Enriched: true, Additions: 2}},
		Enrichment: model.EnrichmentDigest{Attempted: 1, Succeeded: 1},
	}
}

func streamMsgs(t *testing.T, url string) uint64 {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := js.Stream(ctx, "EVENT_SUMMARY")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	return info.State.Msgs
}

func TestPublishersImplementPublisher(t *testing.T) {
	var _ Publisher = (*JetStreamPublisher)(nil)
	var _ Publisher = (*KafkaPublisher)(nil)
	var _ Publisher = (*WriterPublisher)(nil)
}

func TestJetStreamPublisher_PublishAndConsume(t *testing.T) {
	_, url := startTestNATS(t)
	ctx := context.Background()

	pub := NewJetStreamPublisher(testOptions(url))
	defer pub.Close()
	for _, id := range []string{"1", "2"} {
		if err := pub.Publish(ctx, summary(id)); err != nil {
			t.Fatalf("Publish(%s): %v", id, err)
		}
	}

	cons, err := NewJetStreamConsumer(ctx, testOptions(url), "tail")
	if err != nil {
		t.Fatalf("NewJetStreamConsumer: %v", err)
	}
	defer cons.Close()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var got []*model.SummaryMessage
	err = cons.Consume(cctx, 2, func(_ context.Context, msg *model.SummaryMessage) error {
		got = append(got, msg)
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(got) != 2 || got[0].EventID != "1" || got[1].EventID != "2" {
		t.Fatalf("consumed %+v", got)
	}
	if got[0].Commits[0].SHA != "a1" || !got[0].OccurredAt.Equal(summary("1").OccurredAt) {
		t.Errorf("message = %+v", got[0])
	}
}

func TestJetStreamPublisher_DuplicateCollapsed(t *testing.T) {
	_, url := startTestNATS(t)
	ctx := context.Background()

	pub := NewJetStreamPublisher(testOptions(url))
	defer pub.Close()
	for range 3 {
		if err := pub.Publish(ctx, summary("7")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := pub.Publish(ctx, summary("8")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if n := streamMsgs(t, url); n != 2 {
		t.Errorf("stream holds %d messages, want 2", n)
	}
}

func TestJetStreamPublisher_LazyConnect(t *testing.T) {
	pub := NewJetStreamPublisher(testOptions("nats://127.0.0.1:1"))
	defer pub.Close()

	err := pub.Publish(context.Background(), summary("1"))
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("Publish error = %v, want ErrPublish", err)
	}
	if !strings.Contains(err.Error(), "u1:1") {
		t.Errorf("error should name the dedup key: %v", err)
	}
}

func TestJetStreamPublisher_BrokerDown(t *testing.T) {
	srv, url := startTestNATS(t)
	ctx := context.Background()

	opts := testOptions(url)
	opts.AckTimeout = 300 * time.Millisecond
	pub := NewJetStreamPublisher(opts)
	defer pub.Close()
	if err := pub.Publish(ctx, summary("1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	srv.Shutdown()
	srv.WaitForShutdown()

	err := pub.Publish(ctx, summary("2"))
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("Publish while broker down = %v, want ErrPublish", err)
	}
}

func TestJetStreamPublisher_ReconnectsAfterRestart(t *testing.T) {
	port, dir := freePort(t), t.TempDir()
	srv := runTestNATS(t, port, dir)
	url := srv.ClientURL()
	ctx := context.Background()

	opts := testOptions(url)
	opts.AckTimeout = 500 * time.Millisecond
	opts.NATSOptions = []nats.Option{nats.ReconnectWait(50 * time.Millisecond)}
	pub := NewJetStreamPublisher(opts)
	defer pub.Close()
	if err := pub.Publish(ctx, summary("1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	srv.Shutdown()
	srv.WaitForShutdown()
	runTestNATS(t, port, dir)

	// The same publisher must recover without being recreated.
	deadline := time.Now().Add(10 * time.Second)
	var err error
	for {
		if err = pub.Publish(ctx, summary("2")); err == nil {
			break
		}
		if !errors.Is(err, ErrPublish) {
			t.Fatalf("Publish error = %v, want ErrPublish", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("publisher did not recover: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if n := streamMsgs(t, url); n != 2 {
		t.Errorf("stream holds %d messages, want 2", n)
	}
}

func TestJetStreamConsumer_RedeliversOnHandlerError(t *testing.T) {
	_, url := startTestNATS(t)
	ctx := context.Background()

	pub := NewJetStreamPublisher(testOptions(url))
	defer pub.Close()
	if err := pub.Publish(ctx, summary("1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	cons, err := NewJetStreamConsumer(ctx, testOptions(url), "tail")
	if err != nil {
		t.Fatalf("NewJetStreamConsumer: %v", err)
	}
	defer cons.Close()

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	calls := 0
	err = cons.Consume(cctx, 1, func(_ context.Context, msg *model.SummaryMessage) error {
		calls++
		if calls == 1 {
			return errors.New("downstream busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestJetStreamConsumer_StopsOnCancel(t *testing.T) {
	_, url := startTestNATS(t)
	ctx := context.Background()

	cons, err := NewJetStreamConsumer(ctx, testOptions(url), "tail")
	if err != nil {
		t.Fatalf("NewJetStreamConsumer: %v", err)
	}
	defer cons.Close()

	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := cons.Consume(cctx, 0, func(context.Context, *model.SummaryMessage) error { return nil }); err != nil {
		t.Fatalf("Consume: %v", err)
	}
}

func TestWriterPublisher(t *testing.T) {
	var buf bytes.Buffer
	pub := NewWriterPublisher(&buf)
	for _, id := range []string{"1", "2"} {
		if err := pub.Publish(context.Background(), summary(id)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var msg model.SummaryMessage
	if err := json.Unmarshal([]byte(lines[1]), &msg); err != nil {
		t.Fatalf("line 2 is not JSON: %v", err)
	}
	if msg.EventID != "2" {
		t.Errorf("event id = %q", msg.EventID)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriterPublisher_Error(t *testing.T) {
	err := NewWriterPublisher(failingWriter{}).Publish(context.Background(), summary("1"))
	if !errors.Is(err, ErrPublish) || !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("err = %v", err)
	}
}

func TestNewKafkaPublisher(t *testing.T) {
	pub := NewKafkaPublisher([]string{"k1:9092", "k2:9092"}, "event_summary")
	defer pub.Close()

	w := pub.writer
	if w.Topic != "event_summary" {
		t.Errorf("topic = %q", w.Topic)
	}
	if w.RequiredAcks != kafka.RequireAll {
		t.Errorf("acks = %v, want RequireAll", w.RequiredAcks)
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Errorf("balancer = %T, want key hashing", w.Balancer)
	}
	if got := w.Addr.String(); got != "k1:9092,k2:9092" {
		t.Errorf("addr = %q", got)
	}
}

func TestKafkaPublisher_BrokerUnreachable(t *testing.T) {
	pub := NewKafkaPublisher([]string{"127.0.0.1:1"}, "event_summary")
	defer pub.Close()
	pub.writer.MaxAttempts = 1

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := pub.Publish(ctx, summary("9"))
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("Publish error = %v, want ErrPublish", err)
	}
	if !strings.Contains(err.Error(), "u1:9") {
		t.Errorf("error should name the dedup key: %v", err)
	}
}
