package engine_test

import (
	"testing"

	"github.com/seantiz/isolane/internal/engine"
	"github.com/seantiz/isolane/internal/model"
)

func publish(b *engine.LogBroker, runID string, lines ...string) {
	for i, l := range lines {
		b.Publish(model.LogLine{RunID: runID, Seq: i, Line: l})
	}
}

func drain(ch <-chan model.LogLine) []string {
	var got []string
	for l := range ch {
		got = append(got, l.Line)
	}
	return got
}

func TestLogBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	lines := []string{"line 1", "line 2", "line 3"}
	publish(b, "run-1", lines...)
	b.Close("run-1")

	got := drain(ch)
	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i, l := range got {
		if l != lines[i] {
			t.Errorf("line[%d] = %q, want %q", i, l, lines[i])
		}
	}
}

func TestLogBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewLogBroker()
	ch1, unsub1 := b.Subscribe("run-1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("run-1")
	defer unsub2()

	publish(b, "run-1", "hello")
	b.Close("run-1")

	for i, ch := range []<-chan model.LogLine{ch1, ch2} {
		got := drain(ch)
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("subscriber %d got %v", i+1, got)
		}
	}
}

func TestLogBrokerLinesCarrySequence(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	publish(b, "run-1", "a", "b")
	b.Close("run-1")

	var seqs []int
	for l := range ch {
		if l.RunID != "run-1" {
			t.Errorf("line run id = %q", l.RunID)
		}
		seqs = append(seqs, l.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 0 || seqs[1] != 1 {
		t.Errorf("seqs = %v, want [0 1]", seqs)
	}
	if got := b.LastSeq("run-1"); got != 1 {
		t.Errorf("LastSeq = %d, want 1", got)
	}
	if got := b.LastSeq("unknown"); got != -1 {
		t.Errorf("LastSeq(unknown) = %d, want -1", got)
	}
}

func TestLogBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewLogBroker()
	b.Close("run-1")

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel for finished run")
	}
}

func TestLogBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("run-1")
	unsub()

	publish(b, "run-1", "line")

	select {
	case l, ok := <-ch:
		if ok {
			t.Errorf("got unexpected line %q after unsubscribe", l.Line)
		}
	default:
	}
}

func TestLogBrokerPublishAfterCloseIgnored(t *testing.T) {
	b := engine.NewLogBroker()
	b.Close("run-1")
	// Should not panic on a closed topic.
	publish(b, "run-1", "late")
	if got := b.LastSeq("run-1"); got != -1 {
		t.Errorf("LastSeq after close = %d, want -1", got)
	}
}

func TestLogBrokerSlowSubscriberDropsLines(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	lines := make([]string, 200)
	for i := range lines {
		lines[i] = "x"
	}
	publish(b, "run-1", lines...)
	b.Close("run-1")

	got := drain(ch)
	if len(got) == 0 || len(got) >= len(lines) {
		t.Errorf("got %d lines, want a bounded, non-empty subset", len(got))
	}
}
