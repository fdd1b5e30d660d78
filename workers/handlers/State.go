package handlers

import (
	"net/http"

	"gomicropay/types"
)

func (a *API) State(w http.ResponseWriter, r *http.Request) {
	pending, err := a.Records.Records(r.Context(), types.StatusPendingDeposit)
	if err != nil {
		responseJSON(w, &APIStateResponse{
			Status:   "error",
			Message:  err.Error(),
			Protocol: a.Protocol,
		}, http.StatusInternalServerError)
		return
	}
	responseJSON(w, &APIStateResponse{
		Status:   "ok",
		Protocol: a.Protocol,
		Pending:  len(pending),
	}, http.StatusOK)
}
