// Package client is a typed client for the facility hub HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/ledger"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

// Client calls the API with one session token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL. token may be empty until Login.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Token returns the session token in use.
func (c *Client) Token() string {
	return c.token
}

type errorBody struct {
	Error    string             `json:"error"`
	Message  string             `json:"message"`
	Conflict *apperror.Conflict `json:"conflict,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperror.Wrap(apperror.KindTransient, err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == "" {
			return apperror.New(apperror.KindInternal, "unexpected status %d", resp.StatusCode)
		}
		return &apperror.Error{Kind: apperror.Kind(eb.Error), Message: eb.Message, Conflict: eb.Conflict}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is the result of a login.
type Session struct {
	User         *user.User `json:"user"`
	SessionID    string     `json:"sessionId"`
	ExpiresAt    string     `json:"expiresAt"`
	SessionToken string     `json:"sessionToken"`
}

// Login opens a session and keeps its token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", nil, credentials{username, password}, &s); err != nil {
		return nil, err
	}
	c.token = s.SessionToken
	return &s, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", nil, nil, nil)
}

// Bootstrap creates the first institution administrator.
func (c *Client) Bootstrap(ctx context.Context, username, password string) (*user.User, error) {
	var u user.User
	if err := c.do(ctx, http.MethodPost, "/v1/auth/bootstrap", nil, credentials{username, password}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) Me(ctx context.Context) (*user.User, error) {
	var u user.User
	if err := c.do(ctx, http.MethodGet, "/v1/auth/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// BookingRequest is the body of a create call.
type BookingRequest struct {
	MachineID     string       `json:"machineId"`
	Mode          booking.Mode `json:"mode"`
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	Justification string       `json:"justification,omitempty"`
}

// CreateBooking submits a booking. A non-empty requestID makes retries safe.
func (c *Client) CreateBooking(ctx context.Context, req BookingRequest, requestID string) (*booking.Booking, error) {
	var header http.Header
	if requestID != "" {
		header = http.Header{"Idempotency-Key": []string{requestID}}
	}
	var b booking.Booking
	if err := c.do(ctx, http.MethodPost, "/v1/bookings", header, req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) GetBooking(ctx context.Context, id uuid.UUID) (*booking.Booking, error) {
	var b booking.Booking
	if err := c.do(ctx, http.MethodGet, "/v1/bookings/"+id.String(), nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// BookingQuery filters ListBookings. Empty fields are ignored.
type BookingQuery struct {
	MachineID string
	Status    string
	Mode      string
	OwnerID   string
	Limit     int
	Offset    int
}

func (q BookingQuery) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("machineId", q.MachineID)
	set("status", q.Status)
	set("mode", q.Mode)
	set("ownerId", q.OwnerID)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

func (c *Client) ListBookings(ctx context.Context, q BookingQuery) ([]*booking.Booking, error) {
	var out struct {
		Bookings []*booking.Booking `json:"bookings"`
	}
	path := "/v1/bookings"
	if enc := q.values().Encode(); enc != "" {
		path += "?" + enc
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Bookings, nil
}

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

func (c *Client) transition(ctx context.Context, id uuid.UUID, op, reason string) (*booking.Booking, error) {
	var b booking.Booking
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/bookings/%s/%s", id, op), nil, reasonBody{reason}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Approve(ctx context.Context, id uuid.UUID) (*booking.Booking, error) {
	return c.transition(ctx, id, "approve", "")
}

func (c *Client) Reject(ctx context.Context, id uuid.UUID, reason string) (*booking.Booking, error) {
	return c.transition(ctx, id, "reject", reason)
}

func (c *Client) Cancel(ctx context.Context, id uuid.UUID, reason string) (*booking.Booking, error) {
	return c.transition(ctx, id, "cancel", reason)
}

func (c *Client) Complete(ctx context.Context, id uuid.UUID) (*booking.Booking, error) {
	return c.transition(ctx, id, "complete", "")
}

// Reschedule moves a booking to a new interval.
func (c *Client) Reschedule(ctx context.Context, id uuid.UUID, start, end time.Time) (*booking.Booking, error) {
	body := struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}{start, end}
	var b booking.Booking
	if err := c.do(ctx, http.MethodPost, "/v1/bookings/"+id.String()+"/reschedule", nil, body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CategoryRequest is the body of category create and update calls.
type CategoryRequest struct {
	Name         string   `json:"name"`
	TokenCost    int64    `json:"tokenCost"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (c *Client) CreateCategory(ctx context.Context, req CategoryRequest) (*category.Category, error) {
	var out category.Category
	if err := c.do(ctx, http.MethodPost, "/v1/categories", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCategories(ctx context.Context) ([]*category.Category, error) {
	var out struct {
		Categories []*category.Category `json:"categories"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/categories", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Categories, nil
}

func (c *Client) DeleteCategory(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/categories/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) CreateMachine(ctx context.Context, categoryID, name string) (*machine.Machine, error) {
	body := struct {
		Name string `json:"name"`
	}{name}
	var out machine.Machine
	if err := c.do(ctx, http.MethodPost, "/v1/categories/"+url.PathEscape(categoryID)+"/machines", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMachines lists machines, optionally of one category.
func (c *Client) ListMachines(ctx context.Context, categoryID string) ([]*machine.Machine, error) {
	path := "/v1/machines"
	if categoryID != "" {
		path += "?categoryId=" + url.QueryEscape(categoryID)
	}
	var out struct {
		Machines []*machine.Machine `json:"machines"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Machines, nil
}

func (c *Client) SetMachineStatus(ctx context.Context, id string, status machine.Status) (*machine.Machine, error) {
	body := struct {
		Status machine.Status `json:"status"`
	}{status}
	var out machine.Machine
	if err := c.do(ctx, http.MethodPatch, "/v1/machines/"+url.PathEscape(id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMachine(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/machines/"+url.PathEscape(id), nil, nil, nil)
}

// Account is a user's token balance.
type Account struct {
	UserID   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
	ledger.Balance
}

func (c *Client) Balance(ctx context.Context, userID uuid.UUID) (*Account, error) {
	var out Account
	if err := c.do(ctx, http.MethodGet, "/v1/ledger/"+userID.String(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Grant(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*Account, error) {
	body := struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason,omitempty"`
	}{amount, reason}
	var out Account
	if err := c.do(ctx, http.MethodPost, "/v1/ledger/"+userID.String()+"/grants", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UserRequest is the body of a user create call.
type UserRequest struct {
	Username string    `json:"username"`
	Password string    `json:"password"`
	Role     user.Role `json:"role,omitempty"`
	Tokens   int64     `json:"tokens"`
}

func (c *Client) CreateUser(ctx context.Context, req UserRequest) (*user.User, error) {
	var out user.User
	if err := c.do(ctx, http.MethodPost, "/v1/users", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListUsers(ctx context.Context) ([]*user.User, error) {
	var out struct {
		Users []*user.User `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Snapshot is the synchronized view returned by the server.
type Snapshot struct {
	Version    uint64               `json:"version"`
	TakenAt    time.Time            `json:"takenAt"`
	Categories []*category.Category `json:"categories"`
	Machines   []*machine.Machine   `json:"machines"`
	Bookings   []*booking.Booking   `json:"bookings"`
}

// Snapshot refreshes and returns the caller's view.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	var out Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/sync/snapshot", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClusterStatus returns the raw replication status document.
func (c *Client) ClusterStatus(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/v1/cluster/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
