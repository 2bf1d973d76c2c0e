package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Logger interface {
	Printf(format string, args ...any)
}

// ChangeFeed follows the server's websocket change stream and reconnects
// with capped backoff until its context ends.
type ChangeFeed struct {
	url      string
	token    string
	logger   Logger
	maxDelay time.Duration
}

func NewChangeFeed(baseURL, token string, logger Logger) *ChangeFeed {
	wsURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return &ChangeFeed{
		url:      wsURL + "/v1/entries/changes",
		token:    strings.TrimSpace(token),
		logger:   logger,
		maxDelay: 30 * time.Second,
	}
}

// Run delivers every event to onEvent. It returns nil when ctx is done.
func (f *ChangeFeed) Run(ctx context.Context, onEvent func(entries.ChangeEvent)) error {
	attempt := 0
	for {
		err := f.consume(ctx, onEvent, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := backoffDelay(attempt, 500*time.Millisecond, f.maxDelay, "")
		f.logf("change feed disconnected: %v (retry in %s)", err, delay)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return nil
		}
	}
}

func (f *ChangeFeed) consume(ctx context.Context, onEvent func(entries.ChangeEvent), connected func()) error {
	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + f.token}},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	connected()
	for {
		var event entries.ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		onEvent(event)
	}
}

func (f *ChangeFeed) logf(format string, args ...any) {
	if f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
