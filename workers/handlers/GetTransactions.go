package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"gomicropay/types"
)

func (a *API) GetSwap(w http.ResponseWriter, r *http.Request) {
	swapID := chi.URLParam(r, "swapId")
	rec, err := a.Records.Record(r.Context(), swapID)
	if err != nil {
		a.logger().Error("error reading swap", zap.String("swap_id", swapID), zap.Error(err))
		responseError(w, http.StatusInternalServerError, "error", err.Error(), "")
		return
	}
	if rec == nil {
		responseError(w, http.StatusNotFound, "Swap not found", swapID, "swapId")
		return
	}
	responseJSON(w, rec, http.StatusOK)
}

func (a *API) transactionsByStatus(status types.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := a.Records.Records(r.Context(), status)
		if err != nil {
			a.logger().Error("error listing swaps", zap.String("status", string(status)), zap.Error(err))
			responseJSON(w, nil, 500)
			return
		}
		responseJSON(w, records, 200)
	}
}

func (a *API) GetPendingTransactions(w http.ResponseWriter, r *http.Request) {
	a.transactionsByStatus(types.StatusPendingDeposit)(w, r)
}

func (a *API) GetFailedTransactions(w http.ResponseWriter, r *http.Request) {
	a.transactionsByStatus(types.StatusFailed)(w, r)
}

func (a *API) GetConfirmedTransactions(w http.ResponseWriter, r *http.Request) {
	a.transactionsByStatus(types.StatusConfirmed)(w, r)
}
