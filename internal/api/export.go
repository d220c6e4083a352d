package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/moodle-backup/exportd/internal/log"
	"github.com/moodle-backup/exportd/internal/model"
	"github.com/moodle-backup/exportd/internal/service"
)

const (
	writeWait      = 10 * time.Second
	maxRequestSize = 4096
)

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has replied already
		slog.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	c := &connection{
		id:         uuid.New(),
		ws:         ws,
		supervisor: s.supervisor,
		limiter:    rate.NewLimiter(s.rateLimit, s.rateBurst),
		out:        make(chan service.Message),
		subs:       make(map[string]*service.Subscription),
	}
	ctx := log.ContextAttrs(r.Context(), slog.String("connection", c.id.String()))
	slog.DebugContext(ctx, "client connected")
	c.serve(ctx)
	slog.DebugContext(ctx, "client disconnected")
}

// connection follows any number of fingerprints for one websocket client.
// Messages of all followed fingerprints go through a single writer.
type connection struct {
	id         uuid.UUID
	ws         *websocket.Conn
	supervisor *service.Supervisor
	limiter    *rate.Limiter
	out        chan service.Message
	wg         sync.WaitGroup

	mx   sync.Mutex
	subs map[string]*service.Subscription
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.ws.SetReadLimit(maxRequestSize)
	c.wg.Go(func() {
		c.write(ctx, cancel)
	})
	c.wg.Go(func() {
		<-ctx.Done()
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})

	c.read(ctx)
	cancel()
	c.unfollowAll()
	c.wg.Wait()
}

func (c *connection) read(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				slog.DebugContext(ctx, "reading websocket failed", "error", err)
			}
			return
		}

		var req service.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reject(ctx, "Invalid request")
			continue
		}
		if !c.limiter.Allow() {
			slog.WarnContext(ctx, "export request rate limited", "request", req)
			c.reject(ctx, "Too many requests")
			continue
		}

		sub, err := c.supervisor.Export(ctx, req)
		switch {
		case err == nil:
			c.follow(ctx, sub)
		case errors.Is(err, model.ErrUnsupportedRoot):
			c.reject(ctx, "Unsupported root")
		case errors.Is(err, model.ErrInvalidRequest):
			c.reject(ctx, "Identity and secret are required")
		case errors.Is(err, service.ErrClosed):
			c.reject(ctx, "Server is shutting down")
		default:
			slog.ErrorContext(ctx, "export request failed", "request", req, "error", err)
			c.reject(ctx, "Internal error")
		}
	}
}

func (c *connection) write(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				slog.DebugContext(ctx, "writing websocket failed", "error", err)
				cancel()
				return
			}
		}
	}
}

func (c *connection) send(ctx context.Context, msg service.Message) bool {
	select {
	case c.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// reject answers a request which did not lead to an export.
func (c *connection) reject(ctx context.Context, reason string) {
	c.send(ctx, service.Message{State: service.StateFailed, Message: reason})
}

// follow forwards sub to the client. A fingerprint which is followed already
// is not followed twice. unfollow may run more than once per subscription.
func (c *connection) follow(ctx context.Context, sub *service.Subscription) {
	fp := sub.Fingerprint()
	c.mx.Lock()
	if _, ok := c.subs[fp]; ok {
		c.mx.Unlock()
		sub.Close()
		return
	}
	c.subs[fp] = sub
	c.mx.Unlock()

	c.wg.Go(func() {
		defer c.unfollow(fp, sub)
		for msg := range sub.Events() {
			if msg.State.Terminal() {
				// the client may ask for fp again as soon as it sees the outcome
				c.unfollow(fp, sub)
			}
			if !c.send(ctx, msg) {
				return
			}
		}
	})
}

func (c *connection) unfollow(fp string, sub *service.Subscription) {
	c.mx.Lock()
	if c.subs[fp] == sub {
		delete(c.subs, fp)
	}
	c.mx.Unlock()
	sub.Close()
}

func (c *connection) unfollowAll() {
	c.mx.Lock()
	subs := make([]*service.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mx.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
