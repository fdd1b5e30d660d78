package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetBalance reports the settlement token balance of the oracle account, which
// pays for vouchers.
func (a *API) GetBalance(w http.ResponseWriter, r *http.Request) {
	if a.Balance == nil {
		responseError(w, http.StatusServiceUnavailable, "Balance is not available", "", "")
		return
	}
	address, balance, err := a.Balance.Balance(r.Context())
	if err != nil {
		a.logger().Error("error getting balance", zap.Error(err))
		responseError(w, http.StatusInternalServerError, "error", err.Error(), "")
		return
	}

	decimals := a.Decimals
	if decimals == 0 {
		decimals = 18
	}
	responseJSON(w, &APIResponseBalance{
		Address: address,
		Balance: decimal.NewFromBigInt(balance, -decimals).String(),
		Raw:     balance.String(),
	}, http.StatusOK)
}
