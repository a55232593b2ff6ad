package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
)

func fastConfig() Config {
	return Config{CollectDelay: 50 * time.Millisecond, Spacing: 20 * time.Millisecond}
}

func mention(conversant string, at time.Time) bus.MergedMessage {
	return bus.MergedMessage{ConversantID: conversant, IsGroup: true, Mentioned: true, SenderID: "u1", Text: "@bot hi", Earliest: at}
}

type event struct {
	conversant string
	kind       string // start | end
	at         time.Time
}

type journal struct {
	mu     sync.Mutex
	events []event
	done   chan string
}

func newJournal() *journal { return &journal{done: make(chan string, 16)} }

func (j *journal) add(conversant, kind string) {
	j.mu.Lock()
	j.events = append(j.events, event{conversant, kind, time.Now()})
	j.mu.Unlock()
}

func (j *journal) waitN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-j.done:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d tasks", i, n)
		}
	}
}

func (j *journal) snapshot() []event {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]event, len(j.events))
	copy(out, j.events)
	return out
}

// --- ordering ---

func TestQueue_StrictFIFOAcrossChannels(t *testing.T) {
	j := newJournal()
	q := New(fastConfig(), func(ctx context.Context, task *Task) error {
		j.add(task.Message.ConversantID, "start")
		time.Sleep(30 * time.Millisecond) // simulated response cycle
		j.add(task.Message.ConversantID, "end")
		j.done <- task.Message.ConversantID
		return nil
	})
	defer q.Close()

	t0 := time.Now()
	if _, err := q.Enqueue(mention("discord:group:G1", t0)); err != nil {
		t.Fatalf("enqueue G1: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := q.Enqueue(mention("telegram:group:G2", t0.Add(100*time.Millisecond))); err != nil {
		t.Fatalf("enqueue G2: %v", err)
	}
	j.waitN(t, 2)

	ev := j.snapshot()
	want := []string{"discord:group:G1/start", "discord:group:G1/end", "telegram:group:G2/start", "telegram:group:G2/end"}
	if len(ev) != len(want) {
		t.Fatalf("events = %v", ev)
	}
	for i, e := range ev {
		if got := e.conversant + "/" + e.kind; got != want[i] {
			t.Errorf("event %d = %s, want %s", i, got, want[i])
		}
	}
	if gap := ev[2].at.Sub(ev[1].at); gap < fastConfig().Spacing {
		t.Errorf("spacing between tasks = %v, want >= %v", gap, fastConfig().Spacing)
	}
}

func TestQueue_CollectDelay(t *testing.T) {
	j := newJournal()
	q := New(Config{CollectDelay: 150 * time.Millisecond}, func(ctx context.Context, task *Task) error {
		j.add(task.Message.ConversantID, "start")
		j.done <- task.Message.ConversantID
		return nil
	})
	defer q.Close()

	start := time.Now()
	q.Enqueue(mention("g1", start))
	j.waitN(t, 1)
	if elapsed := j.snapshot()[0].at.Sub(start); elapsed < 150*time.Millisecond {
		t.Errorf("first task started after %v, want >= collect delay", elapsed)
	}
}

// --- dedup ---

func TestQueue_RejectsDuplicateKey(t *testing.T) {
	q := New(Config{CollectDelay: time.Hour}, func(context.Context, *Task) error { return nil })
	defer q.Close()

	at := time.Unix(1000, 0)
	if _, err := q.Enqueue(mention("g1", at)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue(mention("g1", at)); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}

	other := mention("g1", at)
	other.SenderID = "u2"
	if _, err := q.Enqueue(other); err != nil {
		t.Errorf("different sender should be accepted: %v", err)
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestQueue_KeyReusableAfterProcessing(t *testing.T) {
	j := newJournal()
	q := New(Config{}, func(ctx context.Context, task *Task) error {
		j.done <- task.ID
		return nil
	})
	defer q.Close()

	at := time.Unix(1000, 0)
	q.Enqueue(mention("g1", at))
	j.waitN(t, 1)
	if _, err := q.Enqueue(mention("g1", at)); err != nil {
		t.Errorf("processed key should not block a new task: %v", err)
	}
	j.waitN(t, 1)
}

// --- failure isolation ---

func TestQueue_ErrorsAndPanicsAreSkipped(t *testing.T) {
	j := newJournal()
	q := New(fastConfig(), func(ctx context.Context, task *Task) error {
		defer func() { j.done <- task.Message.ConversantID }()
		switch task.Message.ConversantID {
		case "fail":
			return errors.New("generation exploded")
		case "panic":
			panic("boom")
		}
		j.add(task.Message.ConversantID, "ok")
		return nil
	})
	defer q.Close()

	at := time.Now()
	q.Enqueue(mention("fail", at))
	q.Enqueue(mention("panic", at))
	q.Enqueue(mention("fine", at))
	j.waitN(t, 3)

	ev := j.snapshot()
	if len(ev) != 1 || ev[0].conversant != "fine" {
		t.Errorf("events = %v", ev)
	}

	deadline := time.Now().Add(time.Second)
	for q.Draining() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Draining() {
		t.Error("queue should return to idle")
	}
}

// --- sweep and close ---

func TestQueue_SweepDropsStale(t *testing.T) {
	q := New(Config{CollectDelay: time.Hour}, func(context.Context, *Task) error { return nil })
	defer q.Close()

	now := time.Unix(10_000, 0)
	q.now = func() time.Time { return now }
	q.Enqueue(mention("old", now))
	now = now.Add(50 * time.Minute)
	q.Enqueue(mention("new", now))

	if n := q.Sweep(now.Add(20*time.Minute), time.Hour); n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if q.Len() != 1 {
		t.Errorf("len = %d, want 1", q.Len())
	}
}

func TestQueue_CloseCancelsRunningTask(t *testing.T) {
	started := make(chan struct{})
	q := New(Config{}, func(ctx context.Context, task *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	q.Enqueue(mention("g1", time.Now()))
	<-started

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if _, err := q.Enqueue(mention("g2", time.Now())); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
