package dispatchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/broadcast"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	handshakeTimeout = 5 * time.Second
	subscriptionID   = "sub-0"
	eventBuffer      = 64
)

// Watch follows topic (e.g. "driver/SEDAN" or "user/c1"). It subscribes over the websocket
// push channel; when that cannot be established, or drops later, it polls list instead and
// turns the differences into the same snapshot and removal events. Events older than one
// already delivered for the same booking are dropped. A nil list disables the fallback and
// makes a failed handshake an error.
func (c *Client) Watch(ctx context.Context, topic string, list broadcast.Lister) (broadcast.Subscription, error) {
	log := c.log.WithField("topic", topic)

	var fallback func(context.Context) broadcast.Subscription
	if list != nil {
		fallback = func(ctx context.Context) broadcast.Subscription {
			return broadcast.NewPollSubscription(ctx, list, c.pollInterval, log)
		}
	}

	conn, err := c.subscribe(ctx, topic)
	if err != nil {
		if fallback == nil {
			return nil, err
		}
		log.WithError(err).Warn("push channel unavailable; polling")
		return fallback(ctx), nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &pushSubscription{
		ch:     make(chan broadcast.Event, eventBuffer),
		conn:   conn,
		cancel: cancel,
		order:  broadcast.NewOrdering(0),
		log:    log,
	}
	s.wg.Add(2)
	go s.closeOnDone(ctx)
	go s.run(ctx, fallback)
	return s, nil
}

// PendingLister polls the caller's pending list, for use as the Watch fallback on driver topics.
func (c *Client) PendingLister(vehicleType string) broadcast.Lister {
	return func(ctx context.Context) ([]domain.Booking, error) {
		return c.Pending(ctx, vehicleType)
	}
}

// subscribe performs CONNECT and SUBSCRIBE and waits for the server to confirm both.
func (c *Client) subscribe(ctx context.Context, topic string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.wsURL(), err)
	}

	fail := func(err error) (*websocket.Conn, error) {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := writeFrame(conn, frame.New("CONNECT", "accept-version", "1.2", "host", c.baseURL.Host, "passcode", c.token)); err != nil {
		return fail(err)
	}
	if err := expect(conn, "CONNECTED"); err != nil {
		return fail(err)
	}

	if err := writeFrame(conn, frame.New("SUBSCRIBE", "id", subscriptionID, "destination", "/topic/"+topic, "receipt", "subscribed")); err != nil {
		return fail(err)
	}
	if err := expect(conn, "RECEIPT"); err != nil {
		return fail(err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

type pushSubscription struct {
	ch     chan broadcast.Event
	conn   *websocket.Conn
	cancel context.CancelFunc
	// order spans the push stream and the polling that may replace it.
	order *broadcast.Ordering
	log   logrus.FieldLogger
	wg    sync.WaitGroup
}

func (s *pushSubscription) Events() <-chan broadcast.Event { return s.ch }

func (s *pushSubscription) Close() {
	s.cancel()
	s.wg.Wait()
}

// closeOnDone is the only writer after the handshake.
func (s *pushSubscription) closeOnDone(ctx context.Context) {
	defer s.wg.Done()
	<-ctx.Done()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = writeFrame(s.conn, frame.New("DISCONNECT"))
	_ = s.conn.Close()
}

func (s *pushSubscription) run(ctx context.Context, fallback func(context.Context) broadcast.Subscription) {
	defer s.wg.Done()
	defer close(s.ch)

	err := s.readLoop(ctx)
	if ctx.Err() != nil {
		return
	}
	if fallback == nil {
		s.log.WithError(err).Warn("push channel lost")
		s.cancel()
		return
	}

	s.log.WithError(err).Warn("push channel lost; polling")
	poll := fallback(ctx)
	defer poll.Close()
	for e := range poll.Events() {
		if !s.order.Admit(e) {
			continue
		}
		select {
		case s.ch <- e:
		case <-ctx.Done():
			return
		}
	}
}

func (s *pushSubscription) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		reader := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("read frame: %w", err)
			}
			if f == nil {
				continue
			}

			switch f.Command {
			case "MESSAGE":
				var e broadcast.Event
				if err := json.Unmarshal(f.Body, &e); err != nil {
					s.log.WithError(err).Warn("skipping undecodable event")
					continue
				}
				if !s.order.Admit(e) {
					continue
				}
				select {
				case s.ch <- e:
				case <-ctx.Done():
					return ctx.Err()
				}
			case "ERROR":
				return fmt.Errorf("server error: %s", f.Header.Get("message"))
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode %s: %w", f.Command, err)
	}
	return conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// expect reads frames until one arrives, skipping heart-beats.
func expect(conn *websocket.Conn, command string) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", command, err)
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("waiting for %s: %w", command, err)
		}
		if f == nil {
			continue
		}
		if f.Command == "ERROR" {
			return fmt.Errorf("%s refused: %s", command, f.Header.Get("message"))
		}
		if f.Command != command {
			return fmt.Errorf("expected %s, got %s", command, f.Command)
		}
		return nil
	}
}

var _ broadcast.Subscription = (*pushSubscription)(nil)
