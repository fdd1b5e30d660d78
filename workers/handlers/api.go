package handlers

import (
	"context"
	"math/big"

	"go.uber.org/zap"

	"gomicropay/SWAPRPC"
	"gomicropay/config"
	"gomicropay/types"
)

type SwapCreator interface {
	CreateSwap(ctx context.Context, req SWAPRPC.CreateSwapRequest) (*SWAPRPC.CreateSwapResult, error)
}

type QuoteCreator interface {
	CreateQuote(ctx context.Context, sats int64) (*SWAPRPC.MintQuote, error)
}

// Registry is the record side of the oracle loop.
type Registry interface {
	Register(ctx context.Context, rec types.SwapRecord) error
	Record(ctx context.Context, swapID string) (*types.SwapRecord, error)
	Records(ctx context.Context, status types.Status) ([]types.SwapRecord, error)
}

type BalanceReader interface {
	Balance(ctx context.Context) (address string, balance *big.Int, err error)
}

// API holds what the HTTP handlers need. Quotes and Balance may be nil when
// the matching service is not configured.
type API struct {
	Swaps    SwapCreator
	Quotes   QuoteCreator
	Records  Registry
	Balance  BalanceReader
	Catalog  []config.ContentItem
	Protocol string
	// Treasury receives swap proceeds when the oracle buys vouchers itself
	Treasury string
	Decimals int32
	Log      *zap.Logger
	// Ready backs /health; nil means always healthy
	Ready func(ctx context.Context) error
}

func (a *API) item(contentID string) (config.ContentItem, bool) {
	return config.Catalog(a.Catalog).Item(contentID)
}

// redeemAddress is where a swap pays out. Under the voucher protocol the
// oracle account spends its own tokens, so the proceeds go to it.
func (a *API) redeemAddress(user string) string {
	if a.Protocol == types.ProtocolVoucher && a.Treasury != "" {
		return a.Treasury
	}
	return user
}

func (a *API) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}
