// Package client talks to the kiosk admin/status API for kioskctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atinyakov/gatekiosk/internal/hardware"
	"github.com/atinyakov/gatekiosk/internal/models"
	"github.com/atinyakov/gatekiosk/internal/orchestrator"
	"github.com/atinyakov/gatekiosk/internal/service"
)

// ErrNoSession is returned by admin calls made before Login.
var ErrNoSession = errors.New("not logged in; run login first")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %s (%d)", e.Message, e.Status)
}

// Health is the decoded /api/health body.
type Health struct {
	Status   string `json:"status"`
	State    string `json:"state"`
	Mode     string `json:"mode"`
	Hardware hardware.State `json:"hardware"`
	Gallery  GalleryInfo    `json:"gallery"`
}

// GalleryInfo describes the published face gallery.
type GalleryInfo struct {
	Generation uint64 `json:"generation"`
	Size       int    `json:"size"`
}

// Booking is the decoded result of a booking.
type Booking struct {
	Passenger *models.Passenger `json:"passenger"`
	Ticket    *models.Ticket    `json:"ticket"`
}

// API is a kiosk API client. Session holds the admin token between calls.
type API struct {
	HTTP    *http.Client
	BaseURL string
	Session *Session
}

// New returns an API for baseURL with a bounded request timeout.
func New(baseURL string, s *Session) *API {
	if s == nil {
		s = &Session{}
	}
	return &API{
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		BaseURL: strings.TrimRight(baseURL, "/"),
		Session: s,
	}
}

func (a *API) do(ctx context.Context, method, path, contentType string, body io.Reader, admin bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if admin {
		tok, ok := a.Session.Valid(time.Now())
		if !ok {
			return nil, ErrNoSession
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func (a *API) call(ctx context.Context, method, path string, in, out any, admin bool) error {
	var (
		body        io.Reader
		contentType string
	)
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body, contentType = bytes.NewReader(b), "application/json"
	}
	resp, err := a.do(ctx, method, path, contentType, body, admin)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func ticketPath(number, action string) string {
	return "/api/tickets/" + url.PathEscape(strings.ToUpper(strings.TrimSpace(number))) + "/" + action
}

// Login exchanges the admin PIN for a token and stores it in the session.
func (a *API) Login(ctx context.Context, pin string) error {
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := a.call(ctx, http.MethodPost, "/api/admin/login", map[string]string{"pin": pin}, &resp, false); err != nil {
		return err
	}
	a.Session.Token = resp.Token
	a.Session.ExpiresAt = resp.ExpiresAt
	return nil
}

// Health fetches the kiosk status.
func (a *API) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := a.call(ctx, http.MethodGet, "/api/health", nil, &h, false); err != nil {
		return nil, err
	}
	return &h, nil
}

// Book creates a passenger (or reuses one by passport) and a ticket.
func (a *API) Book(ctx context.Context, req service.BookingRequest) (*Booking, error) {
	var b Booking
	if err := a.call(ctx, http.MethodPost, "/api/bookings", req, &b, false); err != nil {
		return nil, err
	}
	return &b, nil
}

// CheckIn checks a ticket in by number at the kiosk.
func (a *API) CheckIn(ctx context.Context, number string) (*orchestrator.Outcome, error) {
	var out orchestrator.Outcome
	if err := a.call(ctx, http.MethodPost, ticketPath(number, "checkin"), nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset returns a checked-in ticket to booked.
func (a *API) Reset(ctx context.Context, number string) (*models.Ticket, error) {
	var t models.Ticket
	if err := a.call(ctx, http.MethodPost, ticketPath(number, "reset"), nil, &t, true); err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel cancels a ticket.
func (a *API) Cancel(ctx context.Context, number string) (*models.Ticket, error) {
	var t models.Ticket
	if err := a.call(ctx, http.MethodPost, ticketPath(number, "cancel"), nil, &t, true); err != nil {
		return nil, err
	}
	return &t, nil
}

// QR downloads the boarding token PNG. size 0 uses the server default.
func (a *API) QR(ctx context.Context, number string, size int) ([]byte, error) {
	path := ticketPath(number, "qr")
	if size > 0 {
		path += "?size=" + strconv.Itoa(size)
	}
	resp, err := a.do(ctx, http.MethodGet, path, "", nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Enroll uploads a face photo for the passenger.
func (a *API) Enroll(ctx context.Context, passengerID int64, photo []byte) error {
	contentType := http.DetectContentType(photo)
	resp, err := a.do(ctx, http.MethodPost, fmt.Sprintf("/api/passengers/%d/enroll", passengerID), contentType, bytes.NewReader(photo), true)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// DeletePassenger removes a passenger, their tickets and template.
func (a *API) DeletePassenger(ctx context.Context, passengerID int64) error {
	return a.call(ctx, http.MethodDelete, fmt.Sprintf("/api/passengers/%d", passengerID), nil, nil, true)
}

// ReloadGallery rebuilds the face gallery from the store.
func (a *API) ReloadGallery(ctx context.Context) (*GalleryInfo, error) {
	var g GalleryInfo
	if err := a.call(ctx, http.MethodPost, "/api/gallery/reload", nil, &g, true); err != nil {
		return nil, err
	}
	return &g, nil
}
