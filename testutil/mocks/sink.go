// RecordingSink 记录工作流事件，供断言事件顺序与内容。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/taskflow/workflow"
)

// RecordingSink 是 workflow.EventSink 的记录实现
type RecordingSink struct {
	mu     sync.Mutex
	events map[string][]workflow.Event
	notify chan struct{}
}

// NewRecordingSink 创建空的 RecordingSink
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		events: make(map[string][]workflow.Event),
		notify: make(chan struct{}, 1),
	}
}

// Emit 实现 workflow.EventSink
func (s *RecordingSink) Emit(workflowID string, ev workflow.Event) {
	s.mu.Lock()
	s.events[workflowID] = append(s.events[workflowID], ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Events 返回某工作流的事件副本
func (s *RecordingSink) Events(workflowID string) []workflow.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.Event(nil), s.events[workflowID]...)
}

// NodeEvents 返回某节点的事件（不含子步骤事件）
func (s *RecordingSink) NodeEvents(workflowID, nodeID string) []workflow.Event {
	var out []workflow.Event
	for _, ev := range s.Events(workflowID) {
		if ev.NodeID == nodeID && ev.SubStepID == "" {
			out = append(out, ev)
		}
	}
	return out
}

// Last 返回某工作流的最后一个事件
func (s *RecordingSink) Last(workflowID string) (workflow.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[workflowID]
	if len(evs) == 0 {
		return workflow.Event{}, false
	}
	return evs[len(evs)-1], true
}

// WaitFor 等待直到某工作流出现满足 match 的事件
func (s *RecordingSink) WaitFor(ctx context.Context, workflowID string, match func(workflow.Event) bool) (workflow.Event, bool) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, ev := range s.Events(workflowID) {
			if match(ev) {
				return ev, true
			}
		}
		select {
		case <-ctx.Done():
			return workflow.Event{}, false
		case <-s.notify:
		case <-ticker.C:
		}
	}
}
