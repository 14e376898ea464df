package engine

import (
	"sync"

	"github.com/seantiz/isolane/internal/model"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans out the log lines of in-flight runs to subscribers.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that a subscriber arriving after a run
// finished gets a closed channel instead of blocking forever.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan model.LogLine
	nextID int
	closed bool
	// lastSeq is the sequence number of the last published line, -1 if none.
	lastSeq int
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

func newTopic() *logTopic {
	return &logTopic{subs: make(map[int]chan model.LogLine), lastSeq: -1}
}

// Subscribe returns a channel receiving the run's log lines from now on and
// an unsubscribe function. If the run has already finished the channel is
// closed.
func (b *LogBroker) Subscribe(runID string) (<-chan model.LogLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = newTopic()
		b.topics[runID] = t
	}

	ch := make(chan model.LogLine, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends line to every subscriber of its run. Lines are dropped for
// subscribers whose buffers are full, and ignored once the run is closed.
func (b *LogBroker) Publish(line model.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[line.RunID]
	if !ok {
		t = newTopic()
		b.topics[line.RunID] = t
	}
	if t.closed {
		return
	}
	if line.Seq > t.lastSeq {
		t.lastSeq = line.Seq
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// LastSeq returns the sequence number of the last line published for the
// run, or -1 if none was.
func (b *LogBroker) LastSeq(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[runID]; ok {
		return t.lastSeq
	}
	return -1
}

// Close signals that no more lines will be published for the run. All
// subscriber channels are closed and later Subscribe calls get a closed
// channel.
func (b *LogBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = newTopic()
		b.topics[runID] = t
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
