package delivery

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/memory"
)

// --- Segment ---

func TestSegment(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  []string
	}{
		{name: "sentences", text: "Hello there! How are you? Fine.", want: []string{"Hello there!", "How are you?", "Fine."}},
		{name: "explicit delimiters win", text: "one. two$three\\four", want: []string{"one. two", "three", "four"}},
		{name: "cjk punctuation", text: "你好。今天天气不错！", want: []string{"你好。", "今天天气不错！"}},
		{name: "punctuation run stays together", text: "Really?! yes", want: []string{"Really?!", "yes"}},
		{name: "only delimiters", text: "  $ $ ", want: nil},
		{name: "empty", text: "", want: nil},
		{name: "wrap at space", text: "aaaa bbbb cccc", width: 9, want: []string{"aaaa bbbb", "cccc"}},
		{name: "wrap wide runes", text: "你好世界", width: 5, want: []string{"你好", "世界"}},
		{name: "no wrap under width", text: "short", width: 10, want: []string{"short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Segment(tt.text, tt.width)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Segment(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestJoinForMemory(t *testing.T) {
	if got := JoinForMemory([]string{"a", "b"}); got != "a$b" {
		t.Errorf("JoinForMemory = %q", got)
	}
}

// --- Deliverer ---

type recordingSender struct {
	mu     sync.Mutex
	sent   []bus.OutboundMessage
	failAt int // 1-based part that fails, 0 = never
}

func (s *recordingSender) Send(_ context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.sent)+1 == s.failAt {
		return errors.New("transport down")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func quickConfig() Config {
	return Config{MaxPartWidth: 0, PartInterval: 0, RatePerSec: 0, Burst: 1}
}

func TestDeliver_SendsInOrderAndPersists(t *testing.T) {
	sender := &recordingSender{}
	store := memory.NewInMemoryStore()
	d := New(sender, store, quickConfig())

	n, err := d.Deliver(context.Background(), Reply{
		ConversantID: "tg:direct:1", Channel: "tg", ChatID: "1",
		HumanText: "hi", SenderName: "amy", Text: "Hello! Nice to meet you.", Persist: true,
	})
	if err != nil || n != 2 {
		t.Fatalf("Deliver = %d, %v", n, err)
	}
	if sender.sent[0].Content != "Hello!" || sender.sent[1].Content != "Nice to meet you." {
		t.Errorf("sent = %+v", sender.sent)
	}
	if sender.sent[0].ChatID != "1" || sender.sent[0].Channel != "tg" {
		t.Errorf("routing = %+v", sender.sent[0])
	}

	recs, _ := store.Recent(context.Background(), "tg:direct:1", 10)
	if len(recs) != 1 || recs[0].AssistantText != "Hello!$Nice to meet you." || recs[0].HumanText != "hi" {
		t.Errorf("stored = %+v", recs)
	}
}

func TestDeliver_FailureStopsAndSkipsPersist(t *testing.T) {
	sender := &recordingSender{failAt: 2}
	store := memory.NewInMemoryStore()
	d := New(sender, store, quickConfig())

	n, err := d.Deliver(context.Background(), Reply{
		ConversantID: "c", Channel: "tg", ChatID: "1", Text: "a$b$c", Persist: true,
	})
	if err == nil || n != 1 {
		t.Fatalf("Deliver = %d, %v; want 1 part and an error", n, err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("parts after failure should not be sent: %+v", sender.sent)
	}
	if store.Len("c") != 0 {
		t.Error("failed delivery must not be persisted")
	}
}

func TestDeliver_CancelledContext(t *testing.T) {
	sender := &recordingSender{}
	cfg := quickConfig()
	cfg.RatePerSec = 0.001
	d := New(sender, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := d.Deliver(ctx, Reply{ConversantID: "c", Text: "a$b"})
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Errorf("Deliver = %d, %v", n, err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("nothing should be sent on a cancelled context: %+v", sender.sent)
	}
}

func TestDeliver_EmptyTextSendsNothing(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, nil, quickConfig())
	if n, err := d.Deliver(context.Background(), Reply{ConversantID: "c", Text: "   "}); n != 0 || err != nil {
		t.Errorf("Deliver = %d, %v", n, err)
	}
}

func TestDeliverer_Forget(t *testing.T) {
	d := New(&recordingSender{}, nil, quickConfig())
	d.Deliver(context.Background(), Reply{ConversantID: "c", Text: "x"})
	d.Forget("c")
	if len(d.limiters) != 0 {
		t.Error("limiter not dropped")
	}
}
