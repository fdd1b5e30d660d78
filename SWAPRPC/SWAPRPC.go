// Package SWAPRPC talks to the services that observe user payments: the
// cross-chain swap provider and the Cashu mint.
package SWAPRPC

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"gomicropay/types"
)

var ErrNotFound = errors.New("swap not known to provider")

const requestTimeout = 15 * time.Second

// swap provider states, by name and by their numeric enum value
var swapStates = map[string]types.PaymentStatus{
	"PR_CREATED":         types.PaymentPending,
	"CLAIM_COMMITED":     types.PaymentPending,
	"QUOTE_SOFT_EXPIRED": types.PaymentPending,
	"PENDING":            types.PaymentPending,
	"BTC_TX_CONFIRMED":   types.PaymentSourceConfirmed,
	"CLAIM_CLAIMED":      types.PaymentDone,
	"DONE":               types.PaymentDone,
	"FAILED":             types.PaymentFailed,
	"EXPIRED":            types.PaymentFailed,
	"QUOTE_EXPIRED":      types.PaymentFailed,
	"REFUNDED":           types.PaymentFailed,
}

var swapStateNames = map[int]string{
	-4: "FAILED",
	-3: "EXPIRED",
	-2: "QUOTE_EXPIRED",
	-1: "QUOTE_SOFT_EXPIRED",
	0:  "PR_CREATED",
	1:  "CLAIM_COMMITED",
	2:  "BTC_TX_CONFIRMED",
	3:  "CLAIM_CLAIMED",
}

// MapSwapState normalizes a swap provider state. Unrecognized states are
// UNKNOWN, never FAILED.
func MapSwapState(state string) types.PaymentStatus {
	state = strings.ToUpper(strings.TrimSpace(state))
	if n, err := strconv.Atoi(state); err == nil {
		state = swapStateNames[n]
	}
	if status, ok := swapStates[state]; ok {
		return status
	}
	return types.PaymentUnknown
}

// MapQuoteState normalizes a Cashu mint quote state. An unpaid quote fails
// only once the mint-reported expiry has passed.
func MapQuoteState(state string, expiry int64, now time.Time) types.PaymentStatus {
	switch strings.ToUpper(state) {
	case "PAID", "ISSUED":
		return types.PaymentDone
	case "UNPAID":
		if expiry > 0 && now.Unix() > expiry {
			return types.PaymentFailed
		}
		return types.PaymentPending
	}
	return types.PaymentUnknown
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}
