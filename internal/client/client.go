// Package client is a typed HTTP client for the engine's API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"mancanexus/internal/catalog"
	"mancanexus/internal/circulation"
	"mancanexus/internal/httpapi"
	"mancanexus/internal/membership"
	"mancanexus/internal/seating"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A nil hc uses http.DefaultClient.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func do[T any](ctx context.Context, c *Client, method, path string, body any) (*T, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return &out, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{Status: resp.StatusCode}
	var body httpapi.ErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Code, apiErr.Message = body.Code, body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func (c *Client) RegisterMember(ctx context.Context, name, email, phone string) (*membership.Member, error) {
	return do[membership.Member](ctx, c, http.MethodPost, "/members", map[string]string{
		"name": name, "email": email, "phone": phone,
	})
}

func (c *Client) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	return do[membership.Member](ctx, c, http.MethodGet, "/members/"+id.String(), nil)
}

func (c *Client) AddItem(ctx context.Context, req catalog.AddItemRequest) (*circulation.Item, error) {
	return do[circulation.Item](ctx, c, http.MethodPost, "/items", req)
}

func (c *Client) GetItem(ctx context.Context, id uuid.UUID) (*circulation.Item, error) {
	return do[circulation.Item](ctx, c, http.MethodGet, "/items/"+id.String(), nil)
}

func (c *Client) AddSeat(ctx context.Context, req catalog.AddSeatRequest) (*seating.Seat, error) {
	return do[seating.Seat](ctx, c, http.MethodPost, "/seats", req)
}

func (c *Client) AssignSeat(ctx context.Context, seatID, memberID uuid.UUID) (*seating.Seat, error) {
	return do[seating.Seat](ctx, c, http.MethodPost, "/seats/"+seatID.String()+"/assign", map[string]uuid.UUID{
		"member_id": memberID,
	})
}

func (c *Client) ReleaseSeat(ctx context.Context, seatID uuid.UUID) (*seating.Seat, error) {
	return do[seating.Seat](ctx, c, http.MethodPost, "/seats/"+seatID.String()+"/release", nil)
}

func (c *Client) Checkout(ctx context.Context, req circulation.CheckoutRequest) (*circulation.RentalView, error) {
	return do[circulation.RentalView](ctx, c, http.MethodPost, "/rentals", req)
}

func (c *Client) ReturnItem(ctx context.Context, rentalID uuid.UUID) (*circulation.RentalView, error) {
	return do[circulation.RentalView](ctx, c, http.MethodPost, "/rentals/"+rentalID.String()+"/return", nil)
}

func (c *Client) GetRental(ctx context.Context, id uuid.UUID) (*circulation.RentalView, error) {
	return do[circulation.RentalView](ctx, c, http.MethodGet, "/rentals/"+id.String(), nil)
}
