package SWAPRPC

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ybbus/jsonrpc"
	"golang.org/x/time/rate"

	"gomicropay/types"
)

// provider error code for an unknown swap id
const codeSwapNotFound = -32004

type AtomiqConfig struct {
	Endpoint  string
	APIKey    string
	FromToken string
	ToToken   string
	RPS       float64
}

// AtomiqClient queries a cross-chain swap service over JSON-RPC.
type AtomiqClient struct {
	rpc     jsonrpc.RPCClient
	limiter *rate.Limiter
	from    string
	to      string
}

func NewAtomiqClient(cfg AtomiqConfig) *AtomiqClient {
	opts := &jsonrpc.RPCClientOpts{HTTPClient: defaultHTTPClient()}
	if cfg.APIKey != "" {
		opts.CustomHeaders = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	return &AtomiqClient{
		rpc:     jsonrpc.NewClientWithOpts(cfg.Endpoint, opts),
		limiter: newLimiter(cfg.RPS),
		from:    cfg.FromToken,
		to:      cfg.ToToken,
	}
}

type statusResult struct {
	ID    string          `json:"id"`
	State json.RawMessage `json:"state"` // name or numeric enum value
}

func (s statusResult) stateString() string {
	var name string
	if err := json.Unmarshal(s.State, &name); err == nil {
		return name
	}
	return strings.TrimSpace(string(s.State))
}

// CreateSwapRequest asks for a swap paying toAmount of the destination token
// to redeemAddress.
type CreateSwapRequest struct {
	FromToken     string `json:"fromToken"`
	ToToken       string `json:"toToken"`
	ToAmount      string `json:"toAmount"`
	RedeemAddress string `json:"redeemAddress"`
}

type CreateSwapResult struct {
	SwapID         string `json:"id"`
	DepositAddress string `json:"depositAddress"`
	FromAmount     string `json:"fromAmount"`
}

func (c *AtomiqClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	response, err := c.rpc.Call(method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if response.Error != nil {
		if response.Error.Code == codeSwapNotFound {
			return fmt.Errorf("%s: %w: %s", method, ErrNotFound, response.Error.Message)
		}
		return fmt.Errorf("%s: %w", method, response.Error)
	}
	if err := response.GetObject(out); err != nil {
		return fmt.Errorf("%s: cannot decode result: %w", method, err)
	}
	return nil
}

// GetStatus returns the normalized state of a swap. Errors are transient.
func (c *AtomiqClient) GetStatus(ctx context.Context, swapID string) (types.PaymentStatus, error) {
	var res statusResult
	if err := c.call(ctx, "swap_getStatus", map[string]string{"id": swapID}, &res); err != nil {
		return types.PaymentUnknown, err
	}
	return MapSwapState(res.stateString()), nil
}

// CreateSwap opens a new swap. Empty tokens fall back to the configured pair.
func (c *AtomiqClient) CreateSwap(ctx context.Context, req CreateSwapRequest) (*CreateSwapResult, error) {
	if req.FromToken == "" {
		req.FromToken = c.from
	}
	if req.ToToken == "" {
		req.ToToken = c.to
	}
	var res CreateSwapResult
	if err := c.call(ctx, "swap_create", req, &res); err != nil {
		return nil, err
	}
	if res.SwapID == "" || res.DepositAddress == "" || res.FromAmount == "" {
		return nil, fmt.Errorf("swap_create: incomplete result %+v", res)
	}
	return &res, nil
}
