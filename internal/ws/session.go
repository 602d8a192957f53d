package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/auth"
	"github.com/Domenick1991/ridedispatch/internal/broadcast"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type session struct {
	server *Server
	conn   *websocket.Conn
	id     string
	log    logrus.FieldLogger

	// identity is set by CONNECT and only touched by the read goroutine.
	identity  *auth.Identity
	preAuth   *auth.Identity
	connected bool

	mu   sync.Mutex
	subs map[string]broadcast.Subscription

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(s *Server, conn *websocket.Conn, id string, preAuth *auth.Identity) *session {
	return &session{
		server:  s,
		conn:    conn,
		id:      id,
		log:     s.log.WithField("session", id),
		preAuth: preAuth,
		subs:    make(map[string]broadcast.Subscription),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.server.authTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("read failed")
			}
			return
		}
		if s.connected {
			_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		}

		reader := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := reader.Read()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.sendError("malformed frame", err.Error())
					return
				}
				break
			}
			if f == nil {
				continue
			}
			if !s.handle(f) {
				return
			}
		}
	}
}

// handle reports false when the session must end.
func (s *session) handle(f *frame.Frame) bool {
	if !s.connected && f.Command != "CONNECT" && f.Command != "STOMP" {
		s.sendError("not connected", "send CONNECT first")
		return false
	}

	switch f.Command {
	case "CONNECT", "STOMP":
		return s.onConnect(f)
	case "SUBSCRIBE":
		return s.onSubscribe(f)
	case "UNSUBSCRIBE":
		s.onUnsubscribe(f)
	case "DISCONNECT":
		s.receipt(f)
		return false
	case "SEND":
		s.sendError("read-only", "clients cannot publish; use the REST API")
		return false
	default:
		s.sendError("unsupported frame", f.Command)
		return false
	}
	s.receipt(f)
	return true
}

func (s *session) onConnect(f *frame.Frame) bool {
	if s.connected {
		s.sendError("already connected", "")
		return false
	}

	id, ok := s.authenticate(f)
	if !ok {
		s.sendError("authentication failed", "a valid bearer token is required")
		return false
	}
	s.identity = &id
	s.connected = true
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

	s.enqueue(frame.New("CONNECTED",
		"version", "1.2",
		"heart-beat", "0,0",
		"server", "ridedispatch",
		"session", s.id,
		"user-name", id.UserID,
	))
	s.log = s.log.WithFields(logrus.Fields{"user_id": id.UserID, "role": id.Role})
	s.log.Debug("stomp session connected")
	return true
}

func (s *session) authenticate(f *frame.Frame) (auth.Identity, bool) {
	for _, token := range []string{f.Header.Get("passcode"), f.Header.Get("Authorization"), f.Header.Get("access_token")} {
		if token == "" {
			continue
		}
		id, err := s.server.verifier.Verify(token)
		if err != nil {
			return auth.Identity{}, false
		}
		return id, true
	}
	if s.preAuth != nil {
		return *s.preAuth, true
	}
	return auth.Identity{}, false
}

func (s *session) onSubscribe(f *frame.Frame) bool {
	destination := f.Header.Get("destination")
	subID := f.Header.Get("id")
	topic := broadcast.NormalizeTopic(destination)
	if subID == "" || topic == "" {
		s.sendError("invalid subscription", "destination and id are required")
		return false
	}
	if !broadcast.ValidTopic(topic) {
		s.sendError("unknown destination", destination)
		return false
	}
	if !authorize(*s.identity, topic) {
		s.log.WithField("topic", topic).Warn("subscription denied")
		s.sendError("access denied", destination)
		return false
	}

	s.mu.Lock()
	if _, exists := s.subs[subID]; exists {
		s.mu.Unlock()
		s.sendError("duplicate subscription id", subID)
		return false
	}
	sub := s.server.subs.Subscribe(topic)
	s.subs[subID] = sub
	s.mu.Unlock()

	go s.forward(sub, subID, destination)
	s.receipt(f)
	return true
}

func (s *session) onUnsubscribe(f *frame.Frame) {
	subID := f.Header.Get("id")
	s.mu.Lock()
	sub, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// forward turns events into MESSAGE frames until the subscription or session ends.
func (s *session) forward(sub broadcast.Subscription, subID, destination string) {
	if !strings.HasPrefix(destination, "/") {
		destination = "/topic/" + destination
	}
	for {
		select {
		case <-s.done:
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			body, err := json.Marshal(e)
			if err != nil {
				s.log.WithError(err).Error("encode event")
				continue
			}
			msg := frame.New("MESSAGE",
				"destination", destination,
				"subscription", subID,
				"message-id", uuid.NewString(),
				"content-type", "application/json",
			)
			msg.Body = body
			s.enqueue(msg)
		}
	}
}

func (s *session) receipt(f *frame.Frame) {
	if r := f.Header.Get("receipt"); r != "" {
		s.enqueue(frame.New("RECEIPT", "receipt-id", r))
	}
}

func (s *session) sendError(message, detail string) {
	f := frame.New("ERROR", "message", message, "content-type", "text/plain")
	f.Body = []byte(detail)
	s.enqueue(f)
}

func (s *session) enqueue(f *frame.Frame) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		s.log.WithError(err).Error("encode frame")
		return
	}
	select {
	case s.send <- buf.Bytes():
	case <-s.done:
	default:
		s.log.Warn("send buffer full, closing session")
		go s.close()
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			if !s.write(websocket.TextMessage, data) {
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		case <-s.done:
			// Flush what is queued, typically an ERROR or RECEIPT, before closing.
			for {
				select {
				case data := <-s.send:
					if !s.write(websocket.TextMessage, data) {
						return
					}
				default:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (s *session) write(messageType int, data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data) == nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for id, sub := range s.subs {
			sub.Close()
			delete(s.subs, id)
		}
		s.mu.Unlock()
	})
}
