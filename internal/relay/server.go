package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"roomcall/internal/domain"
	"roomcall/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 32
)

// ConnRecorder counts websocket connections. internal/metrics implements it.
type ConnRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
}

type nopConnRecorder struct{}

func (nopConnRecorder) ConnectionOpened() {}
func (nopConnRecorder) ConnectionClosed() {}

// Server exposes a Broker over websockets, one connection per participant
// per room.
type Server struct {
	broker   *Broker
	conns    ConnRecorder
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer wraps broker. conns and gatherer may be nil; without a gatherer
// /metrics is not served.
func NewServer(broker *Broker, conns ConnRecorder, gatherer prometheus.Gatherer) *Server {
	if conns == nil {
		conns = nopConnRecorder{}
	}
	return &Server{
		broker:   broker,
		conns:    conns,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Room membership is not authenticated.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logging.Component("relay"),
	}
}

// Router returns the HTTP handler:
//
//	GET /rooms/{room}/ws  websocket signal stream for one room
//	GET /healthz
//	GET /metrics
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/rooms/{room}/ws", s.serveRoom)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) serveRoom(w http.ResponseWriter, r *http.Request) {
	room := domain.RoomID(chi.URLParam(r, "room"))
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	l := s.log.With().Str("room", room.String()).Str("remote", r.RemoteAddr).Logger()
	c := &roomConn{
		conn:   conn,
		room:   room,
		send:   make(chan domain.Signal, sendBuffer),
		closed: make(chan struct{}),
		log:    l,
	}

	s.conns.ConnectionOpened()
	defer s.conns.ConnectionClosed()

	sub, err := s.broker.Subscribe(room, c.deliver)
	if err != nil {
		l.Error().Err(err).Msg("subscribe failed")
		c.close()
		return
	}
	defer sub.Unsubscribe()

	l.Info().Msg("participant connected")
	defer l.Info().Msg("participant disconnected")

	go c.writePump()
	c.readPump(func(sig domain.Signal) {
		if err := s.broker.Publish(r.Context(), sig); err != nil {
			l.Warn().Err(err).Str("kind", string(sig.Kind)).Msg("publish rejected")
		}
	})
}

type roomConn struct {
	conn   *websocket.Conn
	room   domain.RoomID
	send   chan domain.Signal
	closed chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func (c *roomConn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// deliver is the broker callback. It blocks while the send buffer is full,
// which only holds back this connection's subscription.
func (c *roomConn) deliver(sig domain.Signal) {
	select {
	case c.send <- sig:
	case <-c.closed:
	}
}

func (c *roomConn) readPump(publish func(domain.Signal)) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		var sig domain.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			c.log.Warn().Err(err).Msg("unmarshal signal")
			continue
		}
		if sig.Room == "" {
			sig.Room = c.room
		}
		if sig.Room != c.room {
			c.log.Warn().Str("signal_room", sig.Room.String()).Msg("dropping signal for another room")
			continue
		}
		// Identity and timestamps are assigned here, not by participants.
		sig.ID = ""
		sig.CreatedAt = time.Time{}

		publish(sig)
	}
}

func (c *roomConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case sig := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(sig); err != nil {
				c.log.Warn().Err(err).Msg("write signal")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
