package EVMRPC

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"gomicropay/types"
)

var (
	// ErrNonceTooLow means the nonce of a prepared transaction is already used.
	ErrNonceTooLow = errors.New("nonce too low")
	// ErrFinalityTimeout means the receipt did not reach the wanted depth in time.
	ErrFinalityTimeout = errors.New("transaction finality timeout")
	ErrChainMismatch   = errors.New("RPC endpoint serves another chain")
	// ErrNonceUnresolved means not every endpoint could tell what used a nonce.
	ErrNonceUnresolved = errors.New("used nonce not resolved")
)

// Call is a single contract invocation.
type Call struct {
	To   common.Address
	Data []byte
}

// the oracle smart account, owner-only execute/executeBatch
const accountABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}]},
	{"type":"function","name":"executeBatch","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}]}
]`

var accountABI = mustParseABI(accountABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

type LedgerConfig struct {
	RPCList          []string
	ChainID          int64
	PrivateKey       string
	AccountAddress   string // optional smart account, required for batched calls
	GasLimit         uint64
	MinConfirmations int
	FinalityTimeout  time.Duration
	PollInterval     time.Duration
	Log              *zap.Logger
}

// Ledger signs, sends and follows oracle transactions on the destination chain.
type Ledger struct {
	rpcList         []string
	chainID         *big.Int
	key             *ecdsa.PrivateKey
	from            common.Address
	account         *common.Address
	gasLimit        uint64
	confirmations   uint64
	finalityTimeout time.Duration
	pollInterval    time.Duration
	log             *zap.Logger
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if len(cfg.RPCList) == 0 {
		return nil, ErrNoEndpoints
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("error instantiating private key: %w", err)
	}

	l := &Ledger{
		rpcList:         cfg.RPCList,
		chainID:         big.NewInt(cfg.ChainID),
		key:             key,
		from:            crypto.PubkeyToAddress(key.PublicKey),
		gasLimit:        cfg.GasLimit,
		confirmations:   uint64(cfg.MinConfirmations),
		finalityTimeout: cfg.FinalityTimeout,
		pollInterval:    cfg.PollInterval,
		log:             cfg.Log,
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if cfg.AccountAddress != "" {
		account := common.HexToAddress(cfg.AccountAddress)
		l.account = &account
	}
	if l.gasLimit == 0 {
		l.gasLimit = 300000
	}
	if l.confirmations == 0 {
		l.confirmations = 1
	}
	if l.finalityTimeout <= 0 {
		l.finalityTimeout = 2 * time.Minute
	}
	if l.pollInterval <= 0 {
		l.pollInterval = 2 * time.Second
	}
	return l, nil
}

// Signer is the externally owned address paying gas.
func (l *Ledger) Signer() common.Address {
	return l.from
}

// Address is the on-chain identity of the oracle: the smart account when one
// is configured, the signer otherwise.
func (l *Ledger) Address() common.Address {
	if l.account != nil {
		return *l.account
	}
	return l.from
}

// Ping fails when no endpoint answers or the endpoint is on another chain.
func (l *Ledger) Ping(ctx context.Context) error {
	chainID, err := WithClient(ctx, l.log, l.rpcList, func(client *ethclient.Client) (*big.Int, error) {
		return client.ChainID(ctx)
	})
	if err != nil {
		return err
	}
	if chainID.Cmp(l.chainID) != 0 {
		return fmt.Errorf("%w: got %s, configured %s", ErrChainMismatch, chainID, l.chainID)
	}
	return nil
}

func (l *Ledger) CallContract(ctx context.Context, call Call) ([]byte, error) {
	return WithClient(ctx, l.log, l.rpcList, func(client *ethclient.Client) ([]byte, error) {
		return client.CallContract(ctx, ethereum.CallMsg{From: l.Address(), To: &call.To, Data: call.Data}, nil)
	})
}

// wrap routes calls through the smart account; a batch without one cannot be
// made atomic and is refused.
func (l *Ledger) wrap(calls []Call) (Call, error) {
	if len(calls) == 0 {
		return Call{}, errors.New("no calls to send")
	}
	if l.account == nil {
		if len(calls) > 1 {
			return Call{}, errors.New("batched calls need an oracle smart account")
		}
		return calls[0], nil
	}
	if len(calls) == 1 {
		data, err := accountABI.Pack("execute", calls[0].To, big.NewInt(0), calls[0].Data)
		if err != nil {
			return Call{}, err
		}
		return Call{To: *l.account, Data: data}, nil
	}

	dests := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	datas := make([][]byte, len(calls))
	for i, c := range calls {
		dests[i] = c.To
		values[i] = big.NewInt(0)
		datas[i] = c.Data
	}
	data, err := accountABI.Pack("executeBatch", dests, values, datas)
	if err != nil {
		return Call{}, err
	}
	return Call{To: *l.account, Data: data}, nil
}

// Prepare signs a transaction carrying calls without sending it. The result
// can be persisted and broadcast any number of times.
func (l *Ledger) Prepare(ctx context.Context, calls []Call) (*types.PendingTx, error) {
	call, err := l.wrap(calls)
	if err != nil {
		return nil, err
	}

	type quote struct {
		nonce    uint64
		gasPrice *big.Int
		gas      uint64
	}
	q, err := WithClient(ctx, l.log, l.rpcList, func(client *ethclient.Client) (quote, error) {
		nonce, err := client.PendingNonceAt(ctx, l.from)
		if err != nil {
			return quote{}, fmt.Errorf("error getting nonce for wallet: %w", err)
		}
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return quote{}, fmt.Errorf("error getting suggested gas price: %w", err)
		}
		return quote{nonce: nonce, gasPrice: gasPrice, gas: l.estimateGas(ctx, client, call)}, nil
	})
	if err != nil {
		return nil, err
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    q.nonce,
		To:       &call.To,
		Value:    big.NewInt(0),
		Gas:      q.gas,
		GasPrice: q.gasPrice,
		Data:     call.Data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &types.PendingTx{
		Hash:  signed.Hash().Hex(),
		Raw:   hexutil.Encode(raw),
		Nonce: q.nonce,
	}, nil
}

// estimateGas adds a fifth on top of the node's estimate. The configured
// limit is used when the node cannot estimate.
func (l *Ledger) estimateGas(ctx context.Context, client *ethclient.Client, call Call) uint64 {
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: l.from, To: &call.To, Data: call.Data})
	if err != nil || gas == 0 {
		l.log.Warn("gas estimation failed, using configured limit", zap.Uint64("gas_limit", l.gasLimit), zap.Error(err))
		return l.gasLimit
	}
	return gas + gas/5
}

// Broadcast sends a prepared transaction. Resending one the node already
// knows is not an error.
func (l *Ledger) Broadcast(ctx context.Context, ptx *types.PendingTx) error {
	raw, err := hexutil.Decode(ptx.Raw)
	if err != nil {
		return fmt.Errorf("decode prepared tx %s: %w", ptx.Hash, err)
	}
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decode prepared tx %s: %w", ptx.Hash, err)
	}

	_, err = WithClient(ctx, l.log, l.rpcList, func(client *ethclient.Client) (struct{}, error) {
		return struct{}{}, classifySendError(client.SendTransaction(ctx, tx))
	})
	return err
}

func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return nil
	case strings.Contains(msg, "nonce too low"):
		return fmt.Errorf("%w: %s", ErrNonceTooLow, err.Error())
	}
	return fmt.Errorf("failed to send transaction: %w", err)
}

// Receipt returns nil without error while no endpoint knows the transaction
// as mined.
func (l *Ledger) Receipt(ctx context.Context, txHash string) (*ethtypes.Receipt, error) {
	receipt, err := WithClient(ctx, l.log, l.rpcList, func(client *ethclient.Client) (*ethtypes.Receipt, error) {
		return client.TransactionReceipt(ctx, common.HexToHash(txHash))
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch receipt %s: %w", txHash, err)
	}
	return receipt, nil
}

// Superseded resolves a prepared transaction whose nonce a node reported as
// used. It asks every endpoint: the receipt is returned when any of them has
// one. Otherwise superseded is true only when every endpoint answered and one
// of them has no receipt while its latest-block nonce is already past ptx's,
// i.e. another transaction took the nonce. Anything less is an error to retry.
func (l *Ledger) Superseded(ctx context.Context, ptx *types.PendingTx) (receipt *ethtypes.Receipt, superseded bool, err error) {
	hash := common.HexToHash(ptx.Hash)
	log := l.log.With(zap.String("tx_hash", ptx.Hash), zap.Uint64("nonce", ptx.Nonce))

	var failed []string
	for _, url := range l.rpcList {
		r, used, err := l.nonceState(ctx, url, hash, ptx.Nonce)
		if err != nil {
			log.Warn("cannot resolve used nonce on endpoint", zap.String("endpoint", url), zap.Error(err))
			failed = append(failed, url)
			continue
		}
		if r != nil {
			return r, false, nil
		}
		superseded = superseded || used
	}
	if len(failed) > 0 {
		return nil, false, fmt.Errorf("%w: %d of %d endpoints unreachable", ErrNonceUnresolved, len(failed), len(l.rpcList))
	}
	return nil, superseded, nil
}

// nonceState returns the receipt of hash on one endpoint, or whether the
// account's confirmed nonce has moved past nonce there.
func (l *Ledger) nonceState(ctx context.Context, url string, hash common.Hash, nonce uint64) (*ethtypes.Receipt, bool, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, false, err
	}
	defer client.Close()

	r, err := client.TransactionReceipt(ctx, hash)
	if err == nil {
		return r, false, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return nil, false, err
	}
	confirmed, err := client.NonceAt(ctx, l.from, nil)
	if err != nil {
		return nil, false, err
	}
	return nil, confirmed > nonce, nil
}

// WaitForFinality polls until the transaction has the configured number of
// confirmations, or the finality timeout runs out.
func (l *Ledger) WaitForFinality(ctx context.Context, txHash string) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.finalityTimeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.Receipt(ctx, txHash)
		if err == nil && receipt != nil {
			if deep, err := l.deepEnough(ctx, receipt); err == nil && deep {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrFinalityTimeout, txHash, l.finalityTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Ledger) deepEnough(ctx context.Context, receipt *ethtypes.Receipt) (bool, error) {
	if l.confirmations <= 1 {
		return true, nil
	}
	if receipt.BlockNumber == nil {
		return false, nil
	}
	head, err := WithClient(ctx, l.log, l.rpcList, func(client *ethclient.Client) (uint64, error) {
		return client.BlockNumber(ctx)
	})
	if err != nil {
		return false, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return false, nil
	}
	return head-mined+1 >= l.confirmations, nil
}
