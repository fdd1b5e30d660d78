package handlers

import (
	"net/http"
)

// HealthCheck answers ok while the oracle can still reach its dependencies.
func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if a.Ready != nil {
		if err := a.Ready(r.Context()); err != nil {
			responseJSON(w, &APIResponse{
				Status:  "error",
				Message: err.Error(),
			}, http.StatusServiceUnavailable)
			return
		}
	}
	responseJSON(w, &APIResponse{
		Status: "ok",
	}, http.StatusOK)
}
