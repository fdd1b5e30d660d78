// Package settlement performs the on-chain side of a purchase once its
// payment is final. Every transaction is signed and checkpointed before it is
// broadcast, so a crash between send and bookkeeping never leads to a second,
// different transaction for the same step.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"gomicropay/EVMRPC"
	"gomicropay/EVMRPC/payment"
	"gomicropay/config"
	"gomicropay/types"
)

var (
	// ErrReverted is returned when a step was mined but reverted; it is retried
	// until the attempt budget runs out.
	ErrReverted = errors.New("settlement transaction reverted")
	// ErrStaleTx is returned when a prepared transaction can never be mined
	// because its nonce was used by another one.
	ErrStaleTx = errors.New("prepared transaction is stale")
	// ErrNonceInFlight is returned when the nonce of a prepared transaction is
	// used but no endpoint has confirmed what used it yet.
	ErrNonceInFlight = errors.New("nonce of prepared transaction used, not yet confirmed")
)

// SettlementError is fatal for the record: retrying cannot help.
type SettlementError struct {
	SwapID string
	Reason string
	Err    error
}

func (e *SettlementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("settlement of %s failed: %s: %v", e.SwapID, e.Reason, e.Err)
	}
	return fmt.Sprintf("settlement of %s failed: %s", e.SwapID, e.Reason)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is, or wraps, a SettlementError.
func IsFatal(err error) bool {
	var se *SettlementError
	return errors.As(err, &se)
}

// Ledger is the destination chain as seen by the executor.
type Ledger interface {
	// Address is the account that pays for and owns bought vouchers.
	Address() common.Address
	Prepare(ctx context.Context, calls []EVMRPC.Call) (*types.PendingTx, error)
	Broadcast(ctx context.Context, tx *types.PendingTx) error
	// Superseded resolves a prepared transaction whose nonce is used: its
	// receipt, or whether another transaction is confirmed with that nonce.
	Superseded(ctx context.Context, tx *types.PendingTx) (*ethtypes.Receipt, bool, error)
	WaitForFinality(ctx context.Context, txHash string) (*ethtypes.Receipt, error)
}

// Checkpoint durably stores the record. The executor calls it after every
// stage change and before any broadcast.
type Checkpoint func(ctx context.Context, rec types.SwapRecord) error

type Executor struct {
	ledger      Ledger
	contract    payment.Contract
	catalog     []config.ContentItem
	creator     common.Address
	maxAttempts int
	decimals    int32
	log         *zap.Logger
}

type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.log = l }
}

func WithMaxAttempts(n int) Option {
	return func(e *Executor) { e.maxAttempts = n }
}

func WithDecimals(d int32) Option {
	return func(e *Executor) { e.decimals = d }
}

func NewExecutor(ledger Ledger, contract payment.Contract, catalog []config.ContentItem, creator common.Address, opts ...Option) *Executor {
	e := &Executor{
		ledger:      ledger,
		contract:    contract,
		catalog:     catalog,
		creator:     creator,
		maxAttempts: 3,
		decimals:    18,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromConfig wires an executor from the global configuration.
func FromConfig(cfg *config.Configuration, ledger Ledger, log *zap.Logger) *Executor {
	return NewExecutor(
		ledger,
		payment.New(cfg.EVM.PaymentContract, cfg.EVM.TokenContract),
		cfg.Catalog,
		common.HexToAddress(cfg.EVM.CreatorAddress),
		WithMaxAttempts(cfg.Oracle.MaxAttempts),
		WithLogger(log),
	)
}

func (e *Executor) fatal(rec *types.SwapRecord, reason string, err error) error {
	return &SettlementError{SwapID: rec.SwapID, Reason: reason, Err: err}
}

// records from before the voucher protocol carry none
func (e *Executor) protocolOf(rec *types.SwapRecord) string {
	if rec.Protocol != "" {
		return rec.Protocol
	}
	return types.ProtocolSwap
}

func (e *Executor) creatorOf(rec *types.SwapRecord) (common.Address, error) {
	if rec.CreatorAddress == "" {
		return e.creator, nil
	}
	if !common.IsHexAddress(rec.CreatorAddress) {
		return common.Address{}, fmt.Errorf("invalid creator address %q", rec.CreatorAddress)
	}
	return common.HexToAddress(rec.CreatorAddress), nil
}

// Settle drives rec from its current stage to SETTLED and returns the hash of
// the transaction that granted the entitlement. rec is updated in place.
// A *SettlementError means the record must be failed; any other error is
// transient and Settle may be called again with the checkpointed record.
func (e *Executor) Settle(ctx context.Context, rec *types.SwapRecord, checkpoint Checkpoint) (string, error) {
	if rec.CurrentStage() == types.StageSettled {
		return rec.TxHash, nil
	}
	creator, err := e.creatorOf(rec)
	if err != nil {
		return "", e.fatal(rec, "bad creator", err)
	}

	start := time.Now()
	log := e.log.With(zap.String("swap_id", rec.SwapID), zap.String("content_id", rec.ContentID))

	var txHash string
	switch p := e.protocolOf(rec); p {
	case types.ProtocolVoucher:
		txHash, err = e.settleVoucher(ctx, rec, creator, checkpoint, log)
	case types.ProtocolSwap:
		txHash, err = e.settleSwap(ctx, rec, creator, checkpoint, log)
	default:
		err = e.fatal(rec, "unknown protocol "+p, nil)
	}
	if err != nil {
		return "", err
	}
	log.Info("settled", zap.String("tx_hash", txHash), zap.Duration("took", time.Since(start)))
	return txHash, nil
}

func (e *Executor) settleVoucher(ctx context.Context, rec *types.SwapRecord, creator common.Address, checkpoint Checkpoint, log *zap.Logger) (string, error) {
	if !common.IsHexAddress(rec.UserAddress) {
		return "", e.fatal(rec, "invalid user address "+rec.UserAddress, nil)
	}
	user := common.HexToAddress(rec.UserAddress)
	item, ok := contentItem(e.catalog, rec.ContentID)
	if !ok {
		return "", e.fatal(rec, "unknown content "+rec.ContentID, nil)
	}
	price, err := ToFixedPoint(item.Price, e.decimals)
	if err != nil {
		return "", e.fatal(rec, "bad price", err)
	}

	if !rec.CurrentStage().After(types.StageStepASubmitted) {
		calls, err := e.contract.ApproveAndBuy(rec.ContentID, price)
		if err != nil {
			return "", e.fatal(rec, "encode step A", err)
		}
		receipt, err := e.runStep(ctx, rec, &rec.StepATx, calls, types.StageStepASubmitted, types.StagePaymentSeen, checkpoint, log)
		if err != nil {
			return "", err
		}

		// the purchase is final from here on, step A is never sent again
		rec.Stage = types.StageStepAConfirmed
		voucher, err := e.contract.VoucherFromReceipt(receipt, e.ledger.Address(), rec.ContentID)
		if err != nil {
			rec.AddMessage(fmt.Sprintf("voucher bought in %s but not found: %v", rec.StepATx.Hash, err))
			if cerr := checkpoint(ctx, *rec); cerr != nil {
				log.Error("cannot checkpoint step A", zap.Error(cerr))
			}
			return "", e.fatal(rec, "voucher event missing", err)
		}
		rec.VoucherID = voucher.String()
		if err := checkpoint(ctx, *rec); err != nil {
			return "", err
		}
		log.Info("voucher purchased", zap.String("voucher", rec.VoucherID), zap.String("tx_hash", rec.StepATx.Hash))
	}

	switch rec.CurrentStage() {
	case types.StageStepAConfirmed, types.StageStepBSubmitted:
	default:
		return "", e.fatal(rec, "inconsistent stage "+string(rec.CurrentStage()), nil)
	}
	voucher, ok := new(big.Int).SetString(rec.VoucherID, 10)
	if !ok {
		return "", e.fatal(rec, "missing voucher id", nil)
	}
	call, err := e.contract.Redeem(voucher, rec.ContentID, creator, user)
	if err != nil {
		return "", e.fatal(rec, "encode step B", err)
	}
	receipt, err := e.runStep(ctx, rec, &rec.StepBTx, []EVMRPC.Call{call}, types.StageStepBSubmitted, types.StageStepAConfirmed, checkpoint, log)
	if err != nil {
		return "", err
	}
	return e.finish(ctx, rec, receipt, checkpoint)
}

func (e *Executor) settleSwap(ctx context.Context, rec *types.SwapRecord, creator common.Address, checkpoint Checkpoint, log *zap.Logger) (string, error) {
	switch rec.CurrentStage() {
	case types.StageAwaitingPayment, types.StagePaymentSeen, types.StageStepBSubmitted:
	default:
		return "", e.fatal(rec, "inconsistent stage "+string(rec.CurrentStage()), nil)
	}
	if !common.IsHexAddress(rec.UserAddress) {
		return "", e.fatal(rec, "invalid user address "+rec.UserAddress, nil)
	}
	call, err := e.contract.Unlock(common.HexToAddress(rec.UserAddress), rec.ContentID, creator)
	if err != nil {
		return "", e.fatal(rec, "encode unlock", err)
	}
	receipt, err := e.runStep(ctx, rec, &rec.StepBTx, []EVMRPC.Call{call}, types.StageStepBSubmitted, types.StagePaymentSeen, checkpoint, log)
	if err != nil {
		return "", err
	}
	return e.finish(ctx, rec, receipt, checkpoint)
}

func (e *Executor) finish(ctx context.Context, rec *types.SwapRecord, receipt *ethtypes.Receipt, checkpoint Checkpoint) (string, error) {
	rec.Stage = types.StageSettled
	rec.TxHash = receipt.TxHash.Hex()
	if err := checkpoint(ctx, *rec); err != nil {
		return "", err
	}
	return rec.TxHash, nil
}

// runStep takes one transaction from prepared to final. slot holds the
// prepared transaction on the record; submitted is the stage recorded once it
// is prepared, before the stage to fall back to when it cannot be mined.
func (e *Executor) runStep(ctx context.Context, rec *types.SwapRecord, slot **types.PendingTx, calls []EVMRPC.Call,
	submitted, before types.Stage, checkpoint Checkpoint, log *zap.Logger) (*ethtypes.Receipt, error) {

	if rec.CurrentStage() != submitted {
		*slot = nil
	}
	if *slot == nil {
		ptx, err := e.ledger.Prepare(ctx, calls)
		if err != nil {
			return nil, fmt.Errorf("prepare %s: %w", submitted, err)
		}
		*slot = ptx
		rec.Stage = submitted
		// update record immediately to prevent looped sending if some error
		if err := checkpoint(ctx, *rec); err != nil {
			*slot = nil
			rec.Stage = before
			return nil, fmt.Errorf("checkpoint %s: %w", submitted, err)
		}
		log.Info("transaction prepared", zap.String("stage", string(submitted)), zap.String("tx_hash", ptx.Hash), zap.Uint64("nonce", ptx.Nonce))
	}
	ptx := *slot

	if err := e.ledger.Broadcast(ctx, ptx); err != nil {
		if !errors.Is(err, EVMRPC.ErrNonceTooLow) {
			return nil, err
		}
		// either this very transaction was mined, or another one took the nonce
		receipt, superseded, rerr := e.ledger.Superseded(ctx, ptx)
		if rerr != nil {
			return nil, rerr
		}
		if receipt == nil {
			if !superseded {
				return nil, fmt.Errorf("%w: %s nonce %d", ErrNonceInFlight, ptx.Hash, ptx.Nonce)
			}
			if submitted == types.StageStepBSubmitted {
				// the entitlement call is never signed twice, an operator has to look
				rec.AddMessage(fmt.Sprintf("transaction %s superseded at nonce %d, not replaced", ptx.Hash, ptx.Nonce))
				log.Error("settlement transaction superseded", zap.String("tx_hash", ptx.Hash), zap.Uint64("nonce", ptx.Nonce))
				if cerr := checkpoint(ctx, *rec); cerr != nil {
					return nil, cerr
				}
				return nil, e.fatal(rec, "settlement transaction superseded", fmt.Errorf("%w: %s", ErrStaleTx, ptx.Hash))
			}
			log.Warn("dropping stale prepared transaction", zap.String("tx_hash", ptx.Hash), zap.Uint64("nonce", ptx.Nonce))
			*slot = nil
			rec.Stage = before
			rec.AddMessage(fmt.Sprintf("stale transaction %s replaced", ptx.Hash))
			if cerr := checkpoint(ctx, *rec); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("%w: %s", ErrStaleTx, ptx.Hash)
		}
	}

	receipt, err := e.ledger.WaitForFinality(ctx, ptx.Hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return receipt, nil
	}

	rec.Attempts++
	*slot = nil
	rec.Stage = before
	rec.AddMessage(fmt.Sprintf("transaction %s reverted (attempt %d)", ptx.Hash, rec.Attempts))
	log.Warn("transaction reverted", zap.String("tx_hash", ptx.Hash), zap.Int("attempts", rec.Attempts))
	if err := checkpoint(ctx, *rec); err != nil {
		return nil, err
	}
	if rec.Attempts >= e.maxAttempts {
		return nil, e.fatal(rec, fmt.Sprintf("reverted %d times", rec.Attempts), ErrReverted)
	}
	return nil, fmt.Errorf("%w: %s", ErrReverted, ptx.Hash)
}
