package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/auth"
	"github.com/Domenick1991/ridedispatch/internal/broadcast"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	hub    *broadcast.Hub
	tokens *auth.Manager
	url    string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	hub := broadcast.NewHub(log)
	tokens := auth.NewManager(config.AuthConfig{Secret: "ws-secret", TokenTTLMinutes: 5})
	srv := httptest.NewServer(NewServer(hub, tokens, log, opts...))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	return &testEnv{hub: hub, tokens: tokens, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (e *testEnv) token(t *testing.T, userID string, role domain.Actor) string {
	t.Helper()
	tok, err := e.tokens.Issue(auth.Identity{UserID: userID, Role: role})
	require.NoError(t, err)
	return tok
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, command string, headers ...string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, frame.NewWriter(&buf).Write(frame.New(command, headers...)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, buf.Bytes()))
}

func readFrame(t *testing.T, conn *websocket.Conn) *frame.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	require.NoError(t, err)
	require.NotNil(t, f)
	return f
}

func waitForSubscribers(t *testing.T, hub *broadcast.Hub, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Subscribers(topic) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ConnectSubscribeReceive(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.url)

	writeFrame(t, conn, "CONNECT", "accept-version", "1.2", "passcode", env.token(t, "d1", domain.ActorDriver))
	connected := readFrame(t, conn)
	assert.Equal(t, "CONNECTED", connected.Command)
	assert.Equal(t, "1.2", connected.Header.Get("version"))

	writeFrame(t, conn, "SUBSCRIBE", "id", "sub-0", "destination", "/topic/driver/SEDAN", "receipt", "r1")
	receipt := readFrame(t, conn)
	assert.Equal(t, "RECEIPT", receipt.Command)
	assert.Equal(t, "r1", receipt.Header.Get("receipt-id"))
	waitForSubscribers(t, env.hub, "driver/SEDAN", 1)

	b := &domain.Booking{ID: "b1", RequestedVehicleType: domain.VehicleTypeSedan, Status: domain.BookingStatusAccepted}
	require.NoError(t, env.hub.Publish(context.Background(), "driver/SEDAN", broadcast.Removal(b)))

	msg := readFrame(t, conn)
	assert.Equal(t, "MESSAGE", msg.Command)
	assert.Equal(t, "sub-0", msg.Header.Get("subscription"))
	assert.Equal(t, "/topic/driver/SEDAN", msg.Header.Get("destination"))

	var event broadcast.Event
	require.NoError(t, json.Unmarshal(msg.Body, &event))
	assert.Equal(t, broadcast.EventRemoved, event.Type)
	assert.Equal(t, "b1", event.BookingID)

	writeFrame(t, conn, "UNSUBSCRIBE", "id", "sub-0")
	waitForSubscribers(t, env.hub, "driver/SEDAN", 0)
}

func TestServer_QueryTokenAuth(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.url+"?access_token="+env.token(t, "c1", domain.ActorCustomer))

	writeFrame(t, conn, "STOMP", "accept-version", "1.2")
	assert.Equal(t, "CONNECTED", readFrame(t, conn).Command)

	writeFrame(t, conn, "SUBSCRIBE", "id", "me", "destination", "user/c1", "receipt", "ok")
	assert.Equal(t, "RECEIPT", readFrame(t, conn).Command)
}

func TestServer_RejectsBadQueryToken(t *testing.T) {
	env := newTestEnv(t)
	_, resp, err := websocket.DefaultDialer.Dial(env.url+"?access_token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ACL(t *testing.T) {
	testCases := []struct {
		name        string
		role        domain.Actor
		userID      string
		destination string
	}{
		{"customer on driver topic", domain.ActorCustomer, "c1", "/topic/driver/SEDAN"},
		{"driver on admin stream", domain.ActorDriver, "d1", "/topic/bookings"},
		{"customer on other user", domain.ActorCustomer, "c1", "/topic/user/c2"},
		{"unknown topic", domain.ActorAdmin, "a1", "/topic/payments"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := dial(t, env.url)
			writeFrame(t, conn, "CONNECT", "passcode", env.token(t, tc.userID, tc.role))
			require.Equal(t, "CONNECTED", readFrame(t, conn).Command)

			writeFrame(t, conn, "SUBSCRIBE", "id", "s", "destination", tc.destination)
			assert.Equal(t, "ERROR", readFrame(t, conn).Command)
		})
	}
}

func TestAuthorize(t *testing.T) {
	admin := auth.Identity{UserID: "a", Role: domain.ActorAdmin}
	driver := auth.Identity{UserID: "d", Role: domain.ActorDriver}
	customer := auth.Identity{UserID: "c", Role: domain.ActorCustomer}

	assert.True(t, authorize(admin, "bookings"))
	assert.True(t, authorize(admin, "user/c"))
	assert.True(t, authorize(driver, "ride-requests"))
	assert.True(t, authorize(driver, "driver/SUV"))
	assert.True(t, authorize(driver, "user/d"))
	assert.False(t, authorize(customer, "ride-requests"))
	assert.True(t, authorize(customer, "user/c"))
}

func TestServer_RequiresConnectFirst(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.url)

	writeFrame(t, conn, "SUBSCRIBE", "id", "s", "destination", "/topic/bookings")
	assert.Equal(t, "ERROR", readFrame(t, conn).Command)
}

func TestServer_AuthTimeout(t *testing.T) {
	env := newTestEnv(t, WithAuthTimeout(50*time.Millisecond))
	conn := dial(t, env.url)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_SendIsRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.url)
	writeFrame(t, conn, "CONNECT", "passcode", env.token(t, "a1", domain.ActorAdmin))
	require.Equal(t, "CONNECTED", readFrame(t, conn).Command)

	writeFrame(t, conn, "SEND", "destination", "/topic/bookings")
	errFrame := readFrame(t, conn)
	assert.Equal(t, "ERROR", errFrame.Command)
	assert.Equal(t, "read-only", errFrame.Header.Get("message"))
}
