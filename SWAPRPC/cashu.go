package SWAPRPC

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"gomicropay/types"
)

// CashuClient reads and creates bolt11 mint quotes (NUT-04).
type CashuClient struct {
	mintURL string
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewCashuClient(mintURL string, rps float64) *CashuClient {
	return &CashuClient{
		mintURL: strings.TrimRight(mintURL, "/"),
		http:    defaultHTTPClient(),
		limiter: newLimiter(rps),
		now:     time.Now,
	}
}

type MintQuote struct {
	Quote   string `json:"quote"`
	Request string `json:"request"` // bolt11 invoice
	State   string `json:"state"`
	Expiry  int64  `json:"expiry"`
	Paid    bool   `json:"paid"` // pre-state mints
}

type mintQuoteRequest struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
}

func (c *CashuClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.mintURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mint request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("mint request %s: %w", path, ErrNotFound)
	case resp.StatusCode >= 300:
		return fmt.Errorf("mint request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("mint request %s: cannot decode response: %w", path, err)
	}
	return nil
}

// CreateQuote asks the mint for a Lightning invoice of the given amount.
func (c *CashuClient) CreateQuote(ctx context.Context, sats int64) (*MintQuote, error) {
	if sats <= 0 {
		return nil, fmt.Errorf("invalid quote amount %d", sats)
	}
	var q MintQuote
	if err := c.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11", mintQuoteRequest{Amount: sats, Unit: "sat"}, &q); err != nil {
		return nil, err
	}
	if q.Quote == "" || q.Request == "" {
		return nil, fmt.Errorf("mint returned incomplete quote %+v", q)
	}
	return &q, nil
}

// GetStatus returns the normalized state of a mint quote.
func (c *CashuClient) GetStatus(ctx context.Context, quoteID string) (types.PaymentStatus, error) {
	var q MintQuote
	if err := c.do(ctx, http.MethodGet, "/v1/mint/quote/bolt11/"+url.PathEscape(quoteID), nil, &q); err != nil {
		return types.PaymentUnknown, err
	}
	state := q.State
	if state == "" {
		state = "UNPAID"
		if q.Paid {
			state = "PAID"
		}
	}
	return MapQuoteState(state, q.Expiry, c.now()), nil
}
