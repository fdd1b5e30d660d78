package payment

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gomicropay/EVMRPC"
)

var (
	paymentAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenAddr   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	buyer       = common.HexToAddress("0x00000000000000000000000000000000000000ee") // oracle account
	user        = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	creator     = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

func TestContentID(t *testing.T) {
	limit := new(big.Int).Lsh(big.NewInt(1), 250)

	one := ContentID("1")
	assert.Equal(t, -1, one.Cmp(limit))
	assert.Equal(t, 0, one.Cmp(ContentID("1")), "must be deterministic")
	assert.NotEqual(t, 0, one.Cmp(ContentID("2")))
}

func TestApproveAndBuy(t *testing.T) {
	c := Contract{Payment: paymentAddr, Token: tokenAddr}
	price := big.NewInt(1_000_000_000_000_000)

	calls, err := c.ApproveAndBuy("1", price)
	require.NoError(t, err)
	require.Len(t, calls, 2)

	assert.Equal(t, tokenAddr, calls[0].To)
	method, err := TokenABI.MethodById(calls[0].Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "approve", method.Name)
	args, err := method.Inputs.Unpack(calls[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, paymentAddr, args[0])
	assert.Equal(t, 0, price.Cmp(args[1].(*big.Int)))

	assert.Equal(t, paymentAddr, calls[1].To)
	method, err = PaymentABI.MethodById(calls[1].Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "buy_voucher", method.Name)
	args, err = method.Inputs.Unpack(calls[1].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, 0, ContentID("1").Cmp(args[0].(*big.Int)))
	assert.Equal(t, 0, price.Cmp(args[1].(*big.Int)))
}

func TestRedeemAndUnlock(t *testing.T) {
	c := Contract{Payment: paymentAddr, Token: tokenAddr}

	redeem, err := c.Redeem(big.NewInt(77), "2", creator, user)
	require.NoError(t, err)
	method, err := PaymentABI.MethodById(redeem.Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "redeem_voucher", method.Name)
	args, err := method.Inputs.Unpack(redeem.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(77), args[0].(*big.Int).Int64())
	assert.Equal(t, creator, args[2])
	assert.Equal(t, user, args[3], "the entitlement goes to the user, not the caller")

	other, err := c.Redeem(big.NewInt(77), "2", creator, buyer)
	require.NoError(t, err)
	assert.NotEqual(t, redeem.Data, other.Data)

	unlock, err := c.Unlock(user, "2", creator)
	require.NoError(t, err)
	assert.Equal(t, paymentAddr, unlock.To)
	method, err = PaymentABI.MethodById(unlock.Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "unlock_with_btc", method.Name)
	args, err = method.Inputs.Unpack(unlock.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, user, args[0])
}

func voucherLog(t *testing.T, emitter, from common.Address, contentID string, voucher int64) *ethtypes.Log {
	t.Helper()
	event := PaymentABI.Events["VoucherPurchased"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(voucher), big.NewInt(1000))
	require.NoError(t, err)
	return &ethtypes.Log{
		Address: emitter,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(from.Bytes()),
			common.BigToHash(ContentID(contentID)),
		},
		Data: data,
	}
}

func TestVoucherFromReceipt(t *testing.T) {
	c := Contract{Payment: paymentAddr, Token: tokenAddr}

	receipt := &ethtypes.Receipt{Logs: []*ethtypes.Log{
		{Address: tokenAddr, Topics: []common.Hash{common.HexToHash("0x01")}},
		voucherLog(t, tokenAddr, buyer, "1", 5),   // same event from a foreign contract
		voucherLog(t, paymentAddr, user, "1", 6),  // someone else's purchase in the same block
		voucherLog(t, paymentAddr, buyer, "2", 7), // other content
		voucherLog(t, paymentAddr, buyer, "1", 42),
	}}
	voucher, err := c.VoucherFromReceipt(receipt, buyer, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), voucher.Int64())

	_, err = c.VoucherFromReceipt(receipt, buyer, "3")
	require.ErrorIs(t, err, ErrVoucherEventMissing)

	_, err = c.VoucherFromReceipt(&ethtypes.Receipt{}, buyer, "1")
	require.ErrorIs(t, err, ErrVoucherEventMissing)
}

type fakeCaller struct {
	out  []byte
	call EVMRPC.Call
}

func (f *fakeCaller) CallContract(_ context.Context, call EVMRPC.Call) ([]byte, error) {
	f.call = call
	return f.out, nil
}

func TestBalanceOf(t *testing.T) {
	out, err := TokenABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(12345))
	require.NoError(t, err)
	f := &fakeCaller{out: out}

	c := Contract{Payment: paymentAddr, Token: tokenAddr}
	balance, err := c.BalanceOf(context.Background(), f, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), balance.Int64())
	assert.Equal(t, tokenAddr, f.call.To)
}
