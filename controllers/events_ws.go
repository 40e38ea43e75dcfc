package controller

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

// clientBuffer bounds how far a slow client may fall behind before
// events are dropped for it.
const clientBuffer = 16

// CampaignEvent is what connected UI clients receive when the engine
// sends, or a recipient engages.
type CampaignEvent struct {
	CampaignID uint                   `json:"campaign_id"`
	Event      string                 `json:"event"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// EventHub fans engine events out to open websocket clients. Each
// client owns a buffered channel drained by a single writer goroutine,
// so the connection only ever sees one concurrent writer no matter how
// many dispatcher workers and beacon handlers notify at once. The hub
// never blocks on a client: a full buffer drops the event.
type EventHub struct {
	mu      sync.RWMutex
	clients map[chan CampaignEvent]struct{}
	logger  *logrus.Entry
}

func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		clients: make(map[chan CampaignEvent]struct{}),
		logger:  logger.WithField("component", "events"),
	}
}

// NotifyCampaignEvent implements the engine's notifier interface.
func (h *EventHub) NotifyCampaignEvent(campaignID uint, event string, data map[string]interface{}) {
	msg := CampaignEvent{
		CampaignID: campaignID,
		Event:      event,
		Data:       data,
		Timestamp:  time.Now(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// Client is not keeping up; the event stream is
			// best-effort state, not a ledger.
		}
	}
}

func (h *EventHub) subscribe() chan CampaignEvent {
	ch := make(chan CampaignEvent, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan CampaignEvent) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// HandleWS serves one client: a reader goroutine watches for the
// connection dropping while this goroutine is the connection's only
// writer.
func (h *EventHub) HandleWS(c *websocket.Conn) {
	events := h.subscribe()
	defer func() {
		h.unsubscribe(events)
		c.Close()
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-events:
			if err := c.WriteJSON(msg); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
