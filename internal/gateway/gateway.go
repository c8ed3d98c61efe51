// Package gateway serves the long-lived client subscriptions: one WebSocket
// session per connected client, authenticated at upgrade, bound to the bus
// topic of the owning user. Delivery is at-most-once; a client that falls
// behind is closed and re-reads state via the capture-list endpoint.
package gateway

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chirpneighbors/coordinator/internal/events"
	"github.com/chirpneighbors/coordinator/internal/middleware"
	"github.com/chirpneighbors/coordinator/internal/monitoring"
)

// Session tuning. Ping cadence and the saturation grace period bound how long
// a dead or stalled client can hold resources.
const (
	DefaultPingInterval    = 20 * time.Second
	DefaultSaturationGrace = 5 * time.Second

	// maxMissedPings closes the session after this many unanswered pings.
	maxMissedPings = 3

	writeWait     = 5 * time.Second
	maxFrameBytes = 1 << 10 // clients only ever send small control frames
	closeOverload = "Overloaded"
	closeShutdown = "ServerShutdown"
)

// Gateway upgrades HTTP requests into event-streaming sessions.
type Gateway struct {
	auth     middleware.Authenticator
	bus      *events.Bus
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader
	logger   *log.Logger

	pingInterval    time.Duration
	saturationGrace time.Duration

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// New wires the gateway. Non-positive intervals pick the defaults; metrics
// may be nil.
func New(auth middleware.Authenticator, bus *events.Bus, metrics *monitoring.Metrics, pingInterval, saturationGrace time.Duration) *Gateway {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if saturationGrace <= 0 {
		saturationGrace = DefaultSaturationGrace
	}
	return &Gateway{
		auth:    auth,
		bus:     bus,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:          log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
		pingInterval:    pingInterval,
		saturationGrace: saturationGrace,
		sessions:        make(map[*session]struct{}),
	}
}

// session is one connected client.
type session struct {
	conn   *websocket.Conn
	userID string
	sub    *events.Subscription

	mu          sync.Mutex
	missedPings int
}

// HandleWS authenticates and upgrades GET /v1/ws. The credential arrives as
// a token query parameter or Authorization header; browsers cannot set
// headers on WebSocket dials, hence the query fallback.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
		return
	}
	principal, err := g.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("upgrade failed for user %s: %v", principal.UserID, err)
		return
	}

	s := &session{
		conn:   conn,
		userID: principal.UserID,
		sub:    g.bus.Subscribe(events.UserTopic(principal.UserID)),
	}
	if !g.track(s) {
		s.sub.Cancel()
		g.closeWith(s, websocket.CloseGoingAway, closeShutdown)
		return
	}

	if g.metrics != nil {
		g.metrics.SessionsActive.Inc()
	}
	g.logger.Printf("session opened user=%s", s.userID)

	go g.readPump(s)
	go g.writePump(s)
}

func (g *Gateway) track(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sessions[s] = struct{}{}
	return true
}

func (g *Gateway) drop(s *session) {
	g.mu.Lock()
	_, present := g.sessions[s]
	delete(g.sessions, s)
	g.mu.Unlock()
	if !present {
		return
	}
	s.sub.Cancel()
	s.conn.Close()
	if g.metrics != nil {
		g.metrics.SessionsActive.Dec()
	}
	if dropped := s.sub.Dropped(); dropped > 0 {
		g.logger.Printf("session closed user=%s (dropped %d event(s))", s.userID, dropped)
	} else {
		g.logger.Printf("session closed user=%s", s.userID)
	}
}

// readPump consumes client frames. Pongs clear the missed-ping counter; any
// read error ends the session.
func (g *Gateway) readPump(s *session) {
	defer g.drop(s)
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.missedPings = 0
		s.mu.Unlock()
		return nil
	})
	for {
		var frame struct {
			Type string `json:"type"`
		}
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type == "pong" {
			// Application-level pong for clients without control-frame access.
			s.mu.Lock()
			s.missedPings = 0
			s.mu.Unlock()
		}
	}
}

// writePump serializes bus events to the wire and drives liveness pings. A
// write that cannot finish within the saturation grace closes the session as
// Overloaded instead of blocking the pump forever.
func (g *Gateway) writePump(s *session) {
	ticker := time.NewTicker(g.pingInterval)
	defer func() {
		ticker.Stop()
		g.drop(s)
	}()

	for {
		select {
		case ev, ok := <-s.sub.C:
			if !ok {
				g.closeWith(s, websocket.CloseGoingAway, closeShutdown)
				return
			}
			payload, err := ev.JSON()
			if err != nil {
				g.logger.Printf("session user=%s marshal: %v", s.userID, err)
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(g.saturationGrace))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				g.closeWith(s, websocket.ClosePolicyViolation, closeOverload)
				return
			}

		case <-ticker.C:
			s.mu.Lock()
			s.missedPings++
			missed := s.missedPings
			s.mu.Unlock()
			if missed > maxMissedPings {
				g.logger.Printf("session user=%s unresponsive, closing", s.userID)
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) closeWith(s *session, code int, reason string) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	s.conn.Close()
}

// SessionCount reports connected sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown refuses new sessions and closes every live one.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	open := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()

	for _, s := range open {
		g.closeWith(s, websocket.CloseGoingAway, closeShutdown)
		g.drop(s)
	}
	g.logger.Printf("gateway shut down (%d session(s) closed)", len(open))
	return ctx.Err()
}
