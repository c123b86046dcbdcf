package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/runs"

	"github.com/rabbitmq/amqp091-go"
)

func TestRetryTarget(t *testing.T) {
	transient := errors.New("timeout")
	tests := []struct {
		name        string
		headers     amqp091.Table
		err         error
		wantTarget  string
		wantRetries int32
	}{
		{name: "first failure", err: transient, wantTarget: "acquire_queue_retry", wantRetries: 1},
		{name: "counts up", headers: amqp091.Table{"x-retries": int32(3)}, err: transient, wantTarget: "acquire_queue_retry", wantRetries: 4},
		{name: "out of retries", headers: amqp091.Table{"x-retries": int32(maxRetries)}, err: transient, wantTarget: "acquire_queue_dlq", wantRetries: maxRetries},
		{name: "permanent", err: Permanent(transient), wantTarget: "acquire_queue_dlq"},
		{name: "wrapped permanent", err: fmt.Errorf("run r1: %w", Permanent(transient)), wantTarget: "acquire_queue_dlq"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, retries := retryTarget(AcquireQueue, tt.headers, tt.err)
			if target != tt.wantTarget || retries != tt.wantRetries {
				t.Fatalf("retryTarget() = %s %d, want %s %d", target, retries, tt.wantTarget, tt.wantRetries)
			}
		})
	}
}

type fakeStale struct {
	runs   []*runs.Run
	before time.Time
}

func (f *fakeStale) Stale(_ context.Context, before time.Time) ([]*runs.Run, error) {
	f.before = before
	return f.runs, nil
}

type fakeRaw struct {
	sent map[string][]string
}

func (f *fakeRaw) PublishRaw(_ context.Context, queueName string, body []byte) error {
	f.sent[queueName] = append(f.sent[queueName], string(body))
	return nil
}

func TestRecoverStaleRuns(t *testing.T) {
	acquire, _ := json.Marshal(AcquireMsg{RunID: "a1", Ascend: 2})
	merge, _ := json.Marshal(MergeMsg{RunID: "m1", Inputs: []string{"exports/a0.ged"}})
	store := &fakeStale{runs: []*runs.Run{
		{ID: "a1", Kind: runs.KindAcquire, Params: acquire},
		{ID: "m1", Kind: runs.KindMerge, Params: merge},
		{ID: "x1", Kind: "other", Params: []byte("{}")},
	}}
	pub := &fakeRaw{sent: map[string][]string{}}

	if err := RecoverStaleRuns(context.Background(), store, pub, time.Hour); err != nil {
		t.Fatalf("RecoverStaleRuns() error = %v", err)
	}
	if time.Since(store.before) < time.Hour {
		t.Fatalf("cutoff %v is not an hour ago", store.before)
	}
	if len(pub.sent[AcquireQueue]) != 1 || pub.sent[AcquireQueue][0] != string(acquire) {
		t.Fatalf("acquire queue got %v", pub.sent[AcquireQueue])
	}
	if len(pub.sent[MergeQueue]) != 1 || len(pub.sent) != 2 {
		t.Fatalf("sent = %v", pub.sent)
	}
}
