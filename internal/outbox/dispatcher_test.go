package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	batches map[string][]kafka.Message
	err     error
}

func (w *recordingWriter) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	if w.batches == nil {
		w.batches = make(map[string][]kafka.Message)
	}
	w.batches[topic] = append(w.batches[topic], msgs...)
	return nil
}

func TestDeliverGroupsByTopic(t *testing.T) {
	writer := &recordingWriter{}
	dispatcher := NewDispatcher(nil, writer, 0, 10)

	messages := []Message{
		{EventID: 1, AggregateID: "t1", EventType: "timer.started", Topic: "timer_events", PartitionKey: "u1", Payload: []byte(`{}`)},
		{EventID: 2, AggregateID: "t2", EventType: "timer.completed", Topic: "timer_events", PartitionKey: "u2", Payload: []byte(`{}`)},
		{EventID: 3, AggregateID: "t3", EventType: "timer.started", Topic: "other_events", PartitionKey: "u3", Payload: []byte(`{}`)},
	}

	if err := dispatcher.deliver(context.Background(), messages); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	if len(writer.batches["timer_events"]) != 2 {
		t.Fatalf("expected 2 messages on timer_events, got %d", len(writer.batches["timer_events"]))
	}
	if len(writer.batches["other_events"]) != 1 {
		t.Fatalf("expected 1 message on other_events, got %d", len(writer.batches["other_events"]))
	}

	first := writer.batches["timer_events"][0]
	if string(first.Key) != "u1" {
		t.Fatalf("partition key lost, got %q", first.Key)
	}
	headers := make(map[string]string, len(first.Headers))
	for _, h := range first.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_type"] != "timer.started" || headers["aggregate_id"] != "t1" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestDeliverPropagatesWriterError(t *testing.T) {
	wantErr := errors.New("broker down")
	dispatcher := NewDispatcher(nil, &recordingWriter{err: wantErr}, 0, 10)

	err := dispatcher.deliver(context.Background(), []Message{
		{EventID: 1, Topic: "timer_events", Payload: []byte(`{}`)},
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected writer error, got %v", err)
	}
}
