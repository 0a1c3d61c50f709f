package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one committed transition. Node events carry NodeID (and SubStepID
// for plan sub-steps); workflow events have an empty NodeID and the workflow
// state in From/To.
type Event struct {
	Seq        uint64    `json:"seq"`
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id,omitempty"`
	SubStepID  string    `json:"sub_step_id,omitempty"`
	Step       string    `json:"step,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Excerpt    string    `json:"excerpt,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsWorkflowEvent reports whether e describes the workflow itself.
func (e Event) IsWorkflowEvent() bool { return e.NodeID == "" }

// EventSink receives events. Emit is fire-and-forget.
type EventSink interface {
	Emit(workflowID string, ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(workflowID string, ev Event)

// Emit calls f.
func (f SinkFunc) Emit(workflowID string, ev Event) { f(workflowID, ev) }

// MultiSink fans events out to every sink in order.
type MultiSink []EventSink

// Emit forwards ev to each sink.
func (m MultiSink) Emit(workflowID string, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(workflowID, ev)
		}
	}
}

// LogSink writes events to a zap logger at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "events"))}
}

// Emit logs ev.
func (s *LogSink) Emit(workflowID string, ev Event) {
	fields := []zap.Field{
		zap.String("workflow_id", workflowID),
		zap.Uint64("seq", ev.Seq),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
	}
	if ev.NodeID != "" {
		fields = append(fields, zap.String("node_id", ev.NodeID))
	}
	if ev.SubStepID != "" {
		fields = append(fields, zap.String("sub_step_id", ev.SubStepID))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}
	s.logger.Debug("transition", fields...)
}

// queuedEvent pairs an event with its workflow id.
type queuedEvent struct {
	workflowID string
	ev         Event
}

// BufferedSink decouples the engine from a slow sink. Emit appends to a
// bounded FIFO and returns immediately; one goroutine delivers in order. When
// the buffer is full the oldest queued event is dropped.
type BufferedSink struct {
	next   EventSink
	size   int
	onDrop func(n int)
	logger *zap.Logger

	mu      sync.Mutex
	queue   []queuedEvent
	dropped uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// NewBufferedSink starts the delivery goroutine. onDrop, if set, is called
// with the number of events dropped by one Emit.
func NewBufferedSink(next EventSink, size int, onDrop func(n int), logger *zap.Logger) *BufferedSink {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &BufferedSink{
		next:   next,
		size:   size,
		onDrop: onDrop,
		logger: logger.With(zap.String("component", "event_buffer")),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Emit never blocks.
func (b *BufferedSink) Emit(workflowID string, ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, queuedEvent{workflowID: workflowID, ev: ev})
	drop := 0
	if over := len(b.queue) - b.size; over > 0 {
		drop = over
		b.queue = b.queue[over:]
		b.dropped += uint64(over)
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
	b.mu.Unlock()

	if drop > 0 && b.onDrop != nil {
		b.onDrop(drop)
	}
}

// Dropped returns how many events were discarded.
func (b *BufferedSink) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *BufferedSink) loop() {
	defer close(b.done)
	for range b.notify {
		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				closed := b.closed
				b.mu.Unlock()
				if closed {
					return
				}
				break
			}
			batch := b.queue
			b.queue = nil
			b.mu.Unlock()

			for _, q := range batch {
				b.deliver(q)
			}
		}
	}
}

func (b *BufferedSink) deliver(q queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event sink panicked",
				zap.String("workflow_id", q.workflowID),
				zap.Uint64("seq", q.ev.Seq),
				zap.Any("panic", r))
		}
	}()
	if b.next != nil {
		b.next.Emit(q.workflowID, q.ev)
	}
}

// Close stops accepting events and waits until queued events are delivered
// or ctx is done.
func (b *BufferedSink) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return nil
	}
	b.closed = true
	close(b.notify)
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChannelSink delivers events to per-workflow subscribers. A subscriber that
// falls behind loses events rather than stalling delivery.
type ChannelSink struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Event
	nextID int
}

// NewChannelSink creates an empty ChannelSink.
func NewChannelSink() *ChannelSink {
	return &ChannelSink{subs: make(map[string]map[int]chan Event)}
}

// Subscribe returns a stream of events for workflowID and a cancel function
// that closes it.
func (s *ChannelSink) Subscribe(workflowID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[workflowID] == nil {
		s.subs[workflowID] = make(map[int]chan Event)
	}
	s.subs[workflowID][id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subs, ok := s.subs[workflowID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(s.subs, workflowID)
				}
			}
			close(ch)
		})
	}
}

// Emit sends ev to the workflow's subscribers without blocking.
func (s *ChannelSink) Emit(workflowID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[workflowID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
