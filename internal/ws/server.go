// Package ws serves the broadcast topics to browsers and mobile clients as STOMP 1.2 frames
// carried in websocket text messages.
package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/auth"
	"github.com/Domenick1991/ridedispatch/internal/broadcast"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultAuthTimeout = 5 * time.Second
	pingPeriod         = 30 * time.Second
	pongWait           = 60 * time.Second
	writeWait          = 10 * time.Second
	maxMessageSize     = 8192
	sendBuffer         = 256
)

// Subscriber is the topic source sessions attach to.
type Subscriber interface {
	Subscribe(topic string) broadcast.Subscription
}

type Server struct {
	subs        Subscriber
	verifier    auth.Verifier
	log         logrus.FieldLogger
	upgrader    websocket.Upgrader
	authTimeout time.Duration
}

type Option func(*Server)

func WithAuthTimeout(d time.Duration) Option {
	return func(s *Server) { s.authTimeout = d }
}

// WithAllowedOrigins restricts the upgrade to the given origins; "*" or no origins allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			if o == "*" {
				return
			}
			allowed[strings.TrimRight(o, "/")] = struct{}{}
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

func NewServer(subs Subscriber, verifier auth.Verifier, log logrus.FieldLogger, opts ...Option) *Server {
	s := &Server{
		subs:     subs,
		verifier: verifier,
		log:      log.WithField("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"v12.stomp", "v11.stomp", "v10.stomp"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		authTimeout: defaultAuthTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the connection. A token in the access_token query parameter is checked
// before upgrading; otherwise the client must authenticate in its CONNECT frame.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var preAuth *auth.Identity
	if token := r.URL.Query().Get("access_token"); token != "" {
		id, err := s.verifier.Verify(token)
		if err != nil {
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}
		preAuth = &id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := newSession(s, conn, uuid.NewString(), preAuth)
	go sess.writePump()
	sess.readPump()
}

// authorize is the topic ACL.
func authorize(id auth.Identity, topic string) bool {
	if id.IsAdmin() {
		return broadcast.ValidTopic(topic)
	}
	switch {
	case topic == broadcast.TopicBookings:
		return false
	case topic == broadcast.TopicRideRequests:
		return id.Role == domain.ActorDriver
	}
	if _, ok := broadcast.ParseDriverTopic(topic); ok {
		return id.Role == domain.ActorDriver
	}
	if userID, ok := broadcast.ParseUserTopic(topic); ok {
		return userID == id.UserID
	}
	return false
}
