package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventStateChanged = "state-change"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "retention-backend"
)

// RealtimeMessage notifies a user's other devices that word states changed,
// carrying the affected item ids so clients can refresh selectively.
// SourceDevice identifies the device that caused the change; its own stream
// is skipped during fan-out since it already holds the fresh state.
type RealtimeMessage struct {
	UserID       string
	EventType    string
	ItemIDs      []string
	SourceDevice string
	Timestamp    time.Time
}

// RealtimeDispatcher fans state-change notifications out to the SSE streams
// of a user's connected devices.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id       int64
	deviceID string
	stream   chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a device's stream for the user's state changes. The
// returned cleanup is idempotent and also runs when ctx is cancelled.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID, deviceID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:       d.nextSequence(),
		deviceID: deviceID,
		stream:   make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber of the user except the
// originating device. Slow consumers are skipped rather than blocked on;
// clients recover missed changes through ordinary state reads.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if message.SourceDevice != "" && subscriber.deviceID == message.SourceDevice {
			continue
		}
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
