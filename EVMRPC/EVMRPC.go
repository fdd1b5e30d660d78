package EVMRPC

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var ErrNoEndpoints = errors.New("no EVM RPC endpoints configured")

// WithClient runs f against each endpoint in turn until one succeeds.
func WithClient[T any](ctx context.Context, log *zap.Logger, rpcList []string, f func(client *ethclient.Client) (T, error)) (res T, err error) {
	if len(rpcList) == 0 {
		return res, ErrNoEndpoints
	}
	if log == nil {
		log = zap.NewNop()
	}
	for _, url := range rpcList {
		var client *ethclient.Client
		client, err = ethclient.DialContext(ctx, url)
		if err != nil {
			log.Warn("error connecting to RPC", zap.String("endpoint", url), zap.Error(err))
			continue
		}

		res, err = f(client)
		client.Close()
		if err == nil || !retryable(err) {
			return
		}
		if !errors.Is(err, ethereum.NotFound) {
			log.Warn("RPC call failed, trying next endpoint", zap.String("endpoint", url), zap.Error(err))
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return
}

// errors that every node would answer the same way are not worth a failover.
// NotFound is: a lagging node may not have seen what another one has.
func retryable(err error) bool {
	return !errors.Is(err, ErrNonceTooLow) && !errors.Is(err, context.Canceled)
}
