package bus

import (
	"context"
	"sync"
	"time"
)

// EventType names a dispatch state.
type EventType string

const (
	EventReceived        EventType = "received"
	EventTextExtracted   EventType = "text_extracted"
	EventNotACommand     EventType = "not_a_command"
	EventCommandParsed   EventType = "command_parsed"
	EventUnresolved      EventType = "unresolved"
	EventUnauthorized    EventType = "unauthorized"
	EventNoticeSent      EventType = "notice_sent"
	EventAuthorized      EventType = "authorized"
	EventExecuting       EventType = "executing"
	EventSucceeded       EventType = "succeeded"
	EventFaulted         EventType = "faulted"
	EventErrorNoticeSent EventType = "error_notice_sent"
	EventDone            EventType = "done"
)

type Event struct {
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	DispatchID string    `json:"dispatch_id"`
	Source     string    `json:"source,omitempty"`
	Chat       string    `json:"chat,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Command    string    `json:"command,omitempty"`
	Plugin     string    `json:"plugin,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()

	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
