package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one message from the kiosk event stream.
type Event struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

func eventsURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/") + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Watch streams kiosk events to fn until ctx is done or the server closes
// the connection.
func (a *API) Watch(ctx context.Context, fn func(Event)) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, eventsURL(a.BaseURL), http.Header{})
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: "event stream unavailable"}
		}
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				continue
			}
			return fmt.Errorf("read event: %w", err)
		}
		fn(ev)
	}
}
