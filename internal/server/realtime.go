package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/notifications"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventQuestCompleted = "quest-completed"
	RealtimeEventNotification   = "notification"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "quire-backend"
)

// RealtimeMessage is one event addressed to a single user's live streams.
type RealtimeMessage struct {
	UserID       string
	EventType    string
	Notification notifications.Notification
	Timestamp    time.Time
}

type realtimePayload struct {
	Source       string                     `json:"source"`
	Notification notifications.Notification `json:"notification"`
	Timestamp    int64                      `json:"timestamp_s"`
}

// RealtimeDispatcher fans committed notifications out to connected subscribers.
// Slow subscribers drop messages instead of blocking the publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements notifications.Publisher.
func (d *RealtimeDispatcher) Publish(notification notifications.Notification) {
	eventType := RealtimeEventNotification
	if notification.Category == notifications.CategoryQuestCompleted {
		eventType = RealtimeEventQuestCompleted
	}
	d.Broadcast(RealtimeMessage{
		UserID:       notification.RecipientID,
		EventType:    eventType,
		Notification: notification,
		Timestamp:    time.Now().UTC(),
	})
}

func (d *RealtimeDispatcher) Broadcast(message RealtimeMessage) {
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

// handleNotificationStream streams the caller's notifications as server-sent events.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID := principalFrom(c).UserID
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp_s": time.Now().UTC().Unix()})
			c.Writer.Flush()
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, realtimePayload{
				Source:       realtimeSourceBackend,
				Notification: message.Notification,
				Timestamp:    message.Timestamp.Unix(),
			})
			c.Writer.Flush()
			h.logger.Debug("realtime event delivered",
				zap.String("user_id", userID),
				zap.String("event", message.EventType),
				zap.String("notification_id", message.Notification.ID))
		}
	}
}
