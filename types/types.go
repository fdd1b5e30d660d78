package types

import (
	"encoding/json"
	"fmt"
)

// Status is the coarse lifecycle of a swap record.
// PENDING_DEPOSIT -> CONFIRMED | FAILED, nothing else.
type Status string

const (
	StatusPendingDeposit Status = "PENDING_DEPOSIT"
	StatusConfirmed      Status = "CONFIRMED"
	StatusFailed         Status = "FAILED"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusPendingDeposit || s.Terminal()
}

// Stage is the persisted settlement step of a pending record. It lets a
// restarted oracle know whether a voucher was already bought, so step A is
// never sent twice.
type Stage string

const (
	StageAwaitingPayment Stage = "AWAITING_PAYMENT"
	StagePaymentSeen     Stage = "PAYMENT_SEEN"
	StageStepASubmitted  Stage = "STEP_A_SUBMITTED"
	StageStepAConfirmed  Stage = "STEP_A_CONFIRMED"
	StageStepBSubmitted  Stage = "STEP_B_SUBMITTED"
	StageSettled         Stage = "SETTLED"
)

var stageOrder = map[Stage]int{
	StageAwaitingPayment: 0,
	StagePaymentSeen:     1,
	StageStepASubmitted:  2,
	StageStepAConfirmed:  3,
	StageStepBSubmitted:  4,
	StageSettled:         5,
}

// After reports whether s is strictly later than other in the settlement flow.
// Unknown and empty stages count as AWAITING_PAYMENT.
func (s Stage) After(other Stage) bool {
	return stageOrder[s] > stageOrder[other]
}

// PaymentStatus is the normalized answer of a payment-state provider.
type PaymentStatus string

const (
	PaymentPending         PaymentStatus = "PENDING"
	PaymentSourceConfirmed PaymentStatus = "SOURCE_CONFIRMED"
	PaymentDone            PaymentStatus = "DONE"
	PaymentFailed          PaymentStatus = "FAILED"
	PaymentUnknown         PaymentStatus = "UNKNOWN"
)

// Payment providers a record can be tracked by.
const (
	ProviderAtomiq = "atomiq"
	ProviderCashu  = "cashu"
)

// Settlement protocols.
const (
	ProtocolSwap    = "swap"    // single unlock_with_btc call
	ProtocolVoucher = "voucher" // approve+buy_voucher, then redeem_voucher
)

// PendingTx is a signed destination-ledger transaction. It is stored on the
// record before broadcast so that a retry resends the very same bytes.
type PendingTx struct {
	Hash  string `json:"hash"`
	Raw   string `json:"raw"` // hex encoded signed transaction
	Nonce uint64 `json:"nonce"`
}

// SwapRecord is a single purchase tracked by the oracle, keyed by SwapID.
type SwapRecord struct {
	SwapID         string `json:"swapId"`
	UserAddress    string `json:"userAddress"`
	ContentID      string `json:"contentId"`
	Status         Status `json:"status"`
	CreatorAddress string `json:"creatorAddress,omitempty"`

	Provider       string `json:"provider,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	DepositAddress string `json:"depositAddress,omitempty"` // BTC address or bolt11 invoice
	Amount         string `json:"amount,omitempty"`         // amount the user was asked to pay

	Stage     Stage      `json:"stage,omitempty"`
	StepATx   *PendingTx `json:"stepATx,omitempty"`
	VoucherID string     `json:"voucherId,omitempty"`
	StepBTx   *PendingTx `json:"stepBTx,omitempty"`
	TxHash    string     `json:"txHash,omitempty"` // settlement tx that granted the entitlement
	Attempts  int        `json:"attempts,omitempty"`
	Message   string     `json:"message,omitempty"` // messages that help to track processing/errors

	TsCreated int64 `json:"tsCreated,omitempty"`
	TsUpdated int64 `json:"tsUpdated,omitempty"`
}

// UnmarshalJSON accepts the older layout where the user was stored as
// userStarknetAddress.
func (r *SwapRecord) UnmarshalJSON(data []byte) error {
	type plain SwapRecord
	var aux struct {
		plain
		UserStarknetAddress string `json:"userStarknetAddress"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = SwapRecord(aux.plain)
	if r.UserAddress == "" {
		r.UserAddress = aux.UserStarknetAddress
	}
	return nil
}

// Transition moves the record to a new status, refusing regressions and
// moves between the two terminal statuses.
func (r *SwapRecord) Transition(to Status) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q", to)
	}
	if r.Status == to {
		return nil
	}
	if r.Status != StatusPendingDeposit || !to.Terminal() {
		return fmt.Errorf("swap %s: illegal status transition %s -> %s", r.SwapID, r.Status, to)
	}
	r.Status = to
	return nil
}

// CurrentStage treats an empty stage as AWAITING_PAYMENT.
func (r *SwapRecord) CurrentStage() Stage {
	if r.Stage == "" {
		return StageAwaitingPayment
	}
	return r.Stage
}

// AddMessage appends to the operator notes.
func (r *SwapRecord) AddMessage(msg string) {
	if r.Message == "" {
		r.Message = msg
	} else {
		r.Message += "; " + msg
	}
}

// Clone returns a deep copy.
func (r SwapRecord) Clone() SwapRecord {
	if r.StepATx != nil {
		tx := *r.StepATx
		r.StepATx = &tx
	}
	if r.StepBTx != nil {
		tx := *r.StepBTx
		r.StepBTx = &tx
	}
	return r
}
