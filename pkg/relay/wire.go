package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/potsync/pkg/feed"
)

const (
	pingInterval = 15 * time.Second
	writeWait    = 5 * time.Second
	pongWait     = 2 * pingInterval
)

// streamFeed streams the pot's change events to a websocket. The subscription is taken before the
// upgrade so that a broken fanout is reported as a plain HTTP error.
func (s *Server) streamFeed(w http.ResponseWriter, r *http.Request) {
	pot := mux.Vars(r)["pot"]
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.changes.Subscribe(ctx, pot)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade", "pot", pot, "err", err)
		return
	}
	feedSubscribers.Inc()
	defer feedSubscribers.Dec()

	user := userOf(r)
	slog.Info("feed opened", "pot", pot, "user", user)
	err = pumpEvents(ctx, conn, sub)
	slog.Info("feed closed", "pot", pot, "user", user, "err", err)
}

// pumpEvents writes every event of sub to conn until either side goes away. The read side only
// exists to notice the peer closing and to process pongs.
func pumpEvents(ctx context.Context, conn *websocket.Conn, sub feed.Subscription) error {
	done := make(chan struct{})
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var result error
	func() {
		defer conn.Close()
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case ev := <-sub.Events():
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					result = fmt.Errorf("failed to write event: %w", err)
					return
				}
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					result = fmt.Errorf("failed to ping: %w", err)
					return
				}
			case <-sub.Done():
				result = sub.Err()
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed ended")
				if result != nil {
					msg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, result.Error())
				}
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	return result
}

// readEvents decodes events from conn into s until the connection drops, then fails s.
func readEvents(conn *websocket.Conn, s *feed.Stream) {
	defer conn.Close()
	for {
		var ev feed.ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				s.Fail(nil)
				return
			}
			select {
			case <-s.Done():
			default:
				s.Fail(fmt.Errorf("feed connection lost: %w", err))
			}
			return
		}
		if !s.Deliver(context.Background(), ev) {
			return
		}
	}
}
