package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const subscriberBuffer = 32

// changeHub fans change events out to websocket subscribers of the same
// owner. Slow subscribers drop events; clients refresh on reconnect.
type changeHub struct {
	mu   sync.Mutex
	subs map[string]map[chan entries.ChangeEvent]struct{}
}

func newChangeHub() *changeHub {
	return &changeHub{subs: map[string]map[chan entries.ChangeEvent]struct{}{}}
}

func (h *changeHub) subscribe(owner string) (chan entries.ChangeEvent, func()) {
	ch := make(chan entries.ChangeEvent, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[owner] == nil {
		h.subs[owner] = map[chan entries.ChangeEvent]struct{}{}
	}
	h.subs[owner][ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[owner]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, owner)
			}
		}
	}
}

func (h *changeHub) publish(owner string, event entries.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[owner] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *changeHub) subscriberCount(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[owner])
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logf("websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, unsubscribe := s.hub.subscribe(owner)
	defer unsubscribe()

	// clients never send; CloseRead handles control frames and cancels ctx
	// once the peer goes away
	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
