package core

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type stubSweeper struct {
	stats SweepStats
	err   error
	calls int
}

func (s *stubSweeper) SweepExpired(ctx context.Context) (SweepStats, error) {
	s.calls++
	return s.stats, s.err
}

type stubDelivery struct {
	message  *JobExecutionMessage
	acked    int
	nacked   int
	lastNack JobNackOptions
	ackErr   error
	nackErr  error
}

func (d *stubDelivery) Message() *JobExecutionMessage { return d.message }

func (d *stubDelivery) Ack(ctx context.Context) error {
	d.acked++
	return d.ackErr
}

func (d *stubDelivery) Nack(ctx context.Context, opts JobNackOptions) error {
	d.nacked++
	d.lastNack = opts
	return d.nackErr
}

type stubEnqueuer struct {
	messages []*JobExecutionMessage
	err      error
}

func (e *stubEnqueuer) Enqueue(ctx context.Context, msg *JobExecutionMessage) error {
	e.messages = append(e.messages, msg)
	return e.err
}

func TestNewSweepJobMessage_CollapsesWithinTheHour(t *testing.T) {
	first := NewSweepJobMessage(time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC))
	second := NewSweepJobMessage(time.Date(2026, 3, 14, 9, 55, 0, 0, time.UTC))
	third := NewSweepJobMessage(time.Date(2026, 3, 14, 10, 1, 0, 0, time.UTC))

	if first.JobID != SweepJobID {
		t.Fatalf("unexpected job id %q", first.JobID)
	}
	if first.IdempotencyKey != second.IdempotencyKey {
		t.Fatalf("runs within an hour must share a key: %q vs %q", first.IdempotencyKey, second.IdempotencyKey)
	}
	if second.IdempotencyKey == third.IdempotencyKey {
		t.Fatalf("runs in different hours must not share a key")
	}
	if first.DedupPolicy != "ignore" {
		t.Fatalf("unexpected dedup policy %q", first.DedupPolicy)
	}
}

func TestEnqueueSweep_RequiresEnqueuer(t *testing.T) {
	if err := EnqueueSweep(context.Background(), nil, time.Now()); err == nil {
		t.Fatalf("expected error without an enqueuer")
	}

	enqueuer := &stubEnqueuer{}
	if err := EnqueueSweep(context.Background(), enqueuer, time.Now()); err != nil {
		t.Fatalf("enqueue sweep: %v", err)
	}
	if len(enqueuer.messages) != 1 || enqueuer.messages[0].JobID != SweepJobID {
		t.Fatalf("unexpected enqueued messages: %#v", enqueuer.messages)
	}
}

func TestHandleSweepDelivery_AcksOnSuccess(t *testing.T) {
	sweeper := &stubSweeper{stats: SweepStats{CredentialsRemoved: 1}}
	delivery := &stubDelivery{message: NewSweepJobMessage(time.Now())}

	if err := HandleSweepDelivery(context.Background(), sweeper, delivery); err != nil {
		t.Fatalf("handle sweep delivery: %v", err)
	}
	if sweeper.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sweeper.calls)
	}
	if delivery.acked != 1 || delivery.nacked != 0 {
		t.Fatalf("expected ack only: acked=%d nacked=%d", delivery.acked, delivery.nacked)
	}
}

func TestHandleSweepDelivery_RequeuesOnSweepFailure(t *testing.T) {
	sweeper := &stubSweeper{err: fmt.Errorf("store offline")}
	delivery := &stubDelivery{message: NewSweepJobMessage(time.Now())}

	err := HandleSweepDelivery(context.Background(), sweeper, delivery)
	if err == nil {
		t.Fatalf("expected sweep failure to surface")
	}
	if delivery.acked != 0 || delivery.nacked != 1 {
		t.Fatalf("expected nack only: acked=%d nacked=%d", delivery.acked, delivery.nacked)
	}
	if !delivery.lastNack.Requeue || delivery.lastNack.Delay != time.Minute {
		t.Fatalf("unexpected nack options: %#v", delivery.lastNack)
	}
}

func TestHandleSweepDelivery_DeadLettersForeignJobs(t *testing.T) {
	sweeper := &stubSweeper{}
	delivery := &stubDelivery{message: &JobExecutionMessage{JobID: "bond.other.job"}}

	if err := HandleSweepDelivery(context.Background(), sweeper, delivery); err != nil {
		t.Fatalf("handle foreign delivery: %v", err)
	}
	if sweeper.calls != 0 {
		t.Fatalf("foreign job must not trigger a sweep")
	}
	if delivery.nacked != 1 || !delivery.lastNack.DeadLetter || delivery.lastNack.Requeue {
		t.Fatalf("expected dead-letter nack: %#v", delivery.lastNack)
	}
}
