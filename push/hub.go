// Package push fans the coordinator's latest SystemState out to browser
// subscribers over WebSocket, at a fixed low rate. Subscribers are refresh-
// driven: a missed tick is not retried, and a closed subscriber is reaped on
// the next sweep rather than immediately.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/alepez/racegate/app"
	"github.com/alepez/racegate/common/log"
	"github.com/alepez/racegate/metrics"
)

// TickPeriod is the fan-out rate (~4Hz).
const TickPeriod = 250 * time.Millisecond

// writeTimeout bounds how long a single subscriber write may block the tick.
const writeTimeout = 2 * time.Second

type subscriber struct {
	id     uuid.UUID
	conn   *websocket.Conn
	closed bool
}

// Hub maintains the live subscriber set and periodically pushes the latest
// SystemState to each of them as a JSON-encoded binary frame.
type Hub struct {
	log   log.Logger
	clock clockwork.Clock

	mu          sync.Mutex
	subscribers []*subscriber
	latest      *app.SystemState

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Hub. Call Run to start the fan-out ticker.
func New(logger log.Logger, clk clockwork.Clock) *Hub {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Hub{
		log:    logger.Named("push"),
		clock:  clk,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Publish sets the latest SystemState to be broadcast on the next tick.
// Called by the coordinator's state machine; uses try-lock so a publish
// racing a fan-out tick is simply skipped rather than blocking the FSM.
func (h *Hub) Publish(s app.SystemState) {
	if !h.mu.TryLock() {
		return
	}
	defer h.mu.Unlock()
	h.latest = &s
}

// ServeHTTP upgrades the connection to a WebSocket and registers it as a
// subscriber. It returns once the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Errorw("websocket accept failed", "error", err)
		return
	}

	sub := &subscriber{id: uuid.New(), conn: conn}

	h.mu.Lock()
	h.subscribers = append(h.subscribers, sub)
	h.mu.Unlock()

	h.log.Infow("subscriber connected", "id", sub.id)

	// Discard anything the browser sends; we only care about detecting close.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			sub.closed = true
			return
		}
	}
}

// Run starts the fan-out ticker. It returns once Stop is called, within one
// tick period.
func (h *Hub) Run() {
	defer close(h.doneCh)

	ticker := h.clock.NewTicker(TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			h.closeAll()
			return
		case <-ticker.Chan():
			h.tick()
		}
	}
}

// Stop signals Run to exit and waits for it.
func (h *Hub) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *Hub) tick() {
	h.pruneClosed()

	if !h.mu.TryLock() {
		metrics.PushTicksSkipped.Inc()
		return
	}
	latest := h.latest
	live := append([]*subscriber(nil), h.subscribers...)
	h.mu.Unlock()

	metrics.PushSubscribers.Set(float64(len(live)))

	if latest == nil {
		return
	}

	payload, err := json.Marshal(latest)
	if err != nil {
		h.log.Errorw("marshal state failed", "error", err)
		return
	}

	for _, sub := range live {
		h.send(sub, payload)
	}
}

func (h *Hub) send(sub *subscriber, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := sub.conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		sub.closed = true
	}
}

// pruneClosed removes subscribers that have disconnected since the last tick.
func (h *Hub) pruneClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()

	live := h.subscribers[:0]
	for _, sub := range h.subscribers {
		if sub.closed {
			_ = sub.conn.Close(websocket.StatusNormalClosure, "")
			continue
		}
		live = append(live, sub)
	}
	h.subscribers = live
}

// SubscriberCount reports the number of currently tracked subscribers,
// closed or not, for tests and diagnostics.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
