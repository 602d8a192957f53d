// Package dispatchclient is a Go client for the dispatch API: REST calls for every booking
// operation and Watch, which follows a topic over the websocket push channel and falls back to
// polling a REST list when no live connection is available.
package dispatchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/Domenick1991/ridedispatch/internal/fare"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultTimeout      = 15 * time.Second
)

type Client struct {
	baseURL      *url.URL
	token        string
	http         *http.Client
	dialer       *websocket.Dialer
	pollInterval time.Duration
	log          logrus.FieldLogger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPollInterval sets how often Watch re-lists when it falls back to polling.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New builds a client for baseURL (e.g. http://localhost:8080) that authenticates with token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}

	c := &Client{
		baseURL:      u,
		token:        token,
		http:         &http.Client{Timeout: defaultTimeout},
		dialer:       websocket.DefaultDialer,
		pollInterval: defaultPollInterval,
		log:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response. It unwraps to the matching *domain.Error, so
// errors.Is(err, domain.ErrAlreadyAccepted) works on client errors too.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dispatch api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return &domain.Error{Code: domain.ErrorCode(e.Code), Reason: e.Reason, Message: e.Message}
}

type CreateBookingRequest struct {
	Pickup         domain.Location `json:"pickup"`
	Drop           domain.Location `json:"drop"`
	VehicleType    string          `json:"vehicleType"`
	PassengerCount int             `json:"passengerCount"`
	ContactNumber  string          `json:"contactNumber"`
	ScheduledTime  *time.Time      `json:"scheduledTime,omitempty"`
}

func (c *Client) CreateBooking(ctx context.Context, req CreateBookingRequest) (*domain.Booking, error) {
	var b domain.Booking
	if err := c.do(ctx, http.MethodPost, "/bookings", nil, req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) EstimateFare(ctx context.Context, pickup, drop domain.Location, vehicleType string) (fare.Estimate, error) {
	var est fare.Estimate
	body := map[string]any{"pickup": pickup, "drop": drop, "vehicleType": vehicleType}
	err := c.do(ctx, http.MethodPost, "/bookings/estimate", nil, body, &est)
	return est, err
}

func (c *Client) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	return c.bookingCall(ctx, http.MethodGet, "/bookings/"+url.PathEscape(id), nil)
}

func (c *Client) AcceptBooking(ctx context.Context, id string) (*domain.Booking, error) {
	return c.bookingCall(ctx, http.MethodPost, "/bookings/"+url.PathEscape(id)+"/accept", nil)
}

func (c *Client) MarkArrived(ctx context.Context, id string) (*domain.Booking, error) {
	return c.bookingCall(ctx, http.MethodPost, "/bookings/"+url.PathEscape(id)+"/arrived", nil)
}

func (c *Client) StartRide(ctx context.Context, id string) (*domain.Booking, error) {
	return c.bookingCall(ctx, http.MethodPost, "/bookings/"+url.PathEscape(id)+"/start", nil)
}

func (c *Client) CompleteRide(ctx context.Context, id string) (*domain.Booking, error) {
	return c.bookingCall(ctx, http.MethodPost, "/bookings/"+url.PathEscape(id)+"/complete", nil)
}

func (c *Client) CancelBooking(ctx context.Context, id, reason string) (*domain.Booking, error) {
	return c.bookingCall(ctx, http.MethodPost, "/bookings/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason})
}

func (c *Client) RejectBooking(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/bookings/"+url.PathEscape(id)+"/reject", nil, nil, nil)
}

// Pending lists open bookings; an empty vehicleType means the driver's own type.
func (c *Client) Pending(ctx context.Context, vehicleType string) ([]domain.Booking, error) {
	query := url.Values{}
	if vehicleType != "" {
		query.Set("vehicleType", vehicleType)
	}
	var list []domain.Booking
	err := c.do(ctx, http.MethodGet, "/bookings/pending", query, nil, &list)
	return list, err
}

func (c *Client) All(ctx context.Context) ([]domain.Booking, error) {
	var list []domain.Booking
	err := c.do(ctx, http.MethodGet, "/bookings/all", nil, nil, &list)
	return list, err
}

// Active returns the caller's non-terminal booking, or nil when there is none.
func (c *Client) Active(ctx context.Context, role domain.Actor) (*domain.Booking, error) {
	var b *domain.Booking
	if err := c.do(ctx, http.MethodGet, "/bookings/"+string(role)+"/active", nil, nil, &b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Client) bookingCall(ctx context.Context, method, path string, body any) (*domain.Booking, error) {
	var b domain.Booking
	if err := c.do(ctx, method, path, nil, body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// do sends one request. A 204 leaves out untouched.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "INTERNAL"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) wsURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}
