// Package payment encodes calls to the content payment contract and its
// settlement token.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"gomicropay/EVMRPC"
)

var ErrVoucherEventMissing = errors.New("VoucherPurchased event not found in receipt")

const tokenABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const paymentABIJSON = `[
	{"type":"function","name":"buy_voucher","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"content_id","type":"uint256"},{"name":"price","type":"uint256"}]},
	{"type":"function","name":"redeem_voucher","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"voucher","type":"uint256"},{"name":"content_id","type":"uint256"},{"name":"creator","type":"address"},{"name":"user","type":"address"}]},
	{"type":"function","name":"unlock_with_btc","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"user","type":"address"},{"name":"content_id","type":"uint256"},{"name":"creator","type":"address"}]},
	{"type":"event","name":"VoucherPurchased","anonymous":false,
	 "inputs":[{"name":"buyer","type":"address","indexed":true},{"name":"content_id","type":"uint256","indexed":true},
	           {"name":"voucher","type":"uint256","indexed":false},{"name":"price","type":"uint256","indexed":false}]}
]`

var (
	TokenABI   = mustParse(tokenABIJSON)
	PaymentABI = mustParse(paymentABIJSON)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// content ids are 250-bit field elements derived from the id string
var contentIDMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))

// ContentID maps an off-chain content id to its on-chain identifier.
func ContentID(id string) *big.Int {
	h := new(big.Int).SetBytes(crypto.Keccak256([]byte(id)))
	return h.And(h, contentIDMask)
}

// Contract binds the payment contract and its token.
type Contract struct {
	Payment common.Address
	Token   common.Address
}

func New(paymentContract, tokenContract string) Contract {
	return Contract{
		Payment: common.HexToAddress(paymentContract),
		Token:   common.HexToAddress(tokenContract),
	}
}

// ApproveAndBuy returns the two calls of a voucher purchase. They must be sent
// in one transaction.
func (c Contract) ApproveAndBuy(contentID string, price *big.Int) ([]EVMRPC.Call, error) {
	approve, err := TokenABI.Pack("approve", c.Payment, price)
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	buy, err := PaymentABI.Pack("buy_voucher", ContentID(contentID), price)
	if err != nil {
		return nil, fmt.Errorf("pack buy_voucher: %w", err)
	}
	return []EVMRPC.Call{
		{To: c.Token, Data: approve},
		{To: c.Payment, Data: buy},
	}, nil
}

// Redeem spends a voucher held by the caller and credits the entitlement to
// user.
func (c Contract) Redeem(voucher *big.Int, contentID string, creator, user common.Address) (EVMRPC.Call, error) {
	data, err := PaymentABI.Pack("redeem_voucher", voucher, ContentID(contentID), creator, user)
	if err != nil {
		return EVMRPC.Call{}, fmt.Errorf("pack redeem_voucher: %w", err)
	}
	return EVMRPC.Call{To: c.Payment, Data: data}, nil
}

func (c Contract) Unlock(user common.Address, contentID string, creator common.Address) (EVMRPC.Call, error) {
	data, err := PaymentABI.Pack("unlock_with_btc", user, ContentID(contentID), creator)
	if err != nil {
		return EVMRPC.Call{}, fmt.Errorf("pack unlock_with_btc: %w", err)
	}
	return EVMRPC.Call{To: c.Payment, Data: data}, nil
}

// VoucherFromReceipt finds the voucher buyer bought for contentID in a
// receipt. The first matching VoucherPurchased log of the payment contract
// wins.
func (c Contract) VoucherFromReceipt(receipt *ethtypes.Receipt, buyer common.Address, contentID string) (*big.Int, error) {
	event := PaymentABI.Events["VoucherPurchased"]
	buyerTopic := common.BytesToHash(buyer.Bytes())
	contentTopic := common.BigToHash(ContentID(contentID))
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.Payment || len(lg.Topics) < 3 || lg.Topics[0] != event.ID {
			continue
		}
		if lg.Topics[1] != buyerTopic || lg.Topics[2] != contentTopic {
			continue
		}
		values, err := PaymentABI.Unpack("VoucherPurchased", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode VoucherPurchased: %w", err)
		}
		voucher, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("decode VoucherPurchased: unexpected voucher type %T", values[0])
		}
		return voucher, nil
	}
	return nil, ErrVoucherEventMissing
}

type caller interface {
	CallContract(ctx context.Context, call EVMRPC.Call) ([]byte, error)
}

// BalanceOf reads the settlement token balance of an account.
func (c Contract) BalanceOf(ctx context.Context, ledger caller, account common.Address) (*big.Int, error) {
	data, err := TokenABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := ledger.CallContract(ctx, EVMRPC.Call{To: c.Token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("error calling balanceOf: %w", err)
	}
	values, err := TokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	return abi.ConvertType(values[0], new(big.Int)).(*big.Int), nil
}
