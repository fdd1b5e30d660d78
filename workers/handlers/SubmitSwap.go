package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"gomicropay/SWAPRPC"
	"gomicropay/store"
	"gomicropay/types"
)

// validatePurchase writes the error response itself and reports whether the
// request can go on.
func (a *API) validatePurchase(w http.ResponseWriter, r *http.Request) (PurchaseRequest, bool) {
	var req PurchaseRequest
	if err := readJSON(r, &req); err != nil {
		a.logger().Info("cannot unmarshal request body", zap.Error(err))
		responseError(w, http.StatusBadRequest, "Cannot unmarshal input JSON", err.Error(), "")
		return req, false
	}
	if req.user() == "" {
		responseError(w, http.StatusBadRequest, "Missing required field: userAddress", "", "userAddress")
		return req, false
	}
	if !validAddress(req.user()) {
		a.logger().Info("invalid user address", zap.String("address", req.user()))
		responseError(w, http.StatusBadRequest, "Invalid user address", "", "userAddress")
		return req, false
	}
	if _, ok := a.item(req.ContentID); !ok {
		responseError(w, http.StatusBadRequest, "Unknown content", req.ContentID, "contentId")
		return req, false
	}
	return req, true
}

func (a *API) SubmitSwap(w http.ResponseWriter, r *http.Request) {
	req, ok := a.validatePurchase(w, r)
	if !ok {
		return
	}
	item, _ := a.item(req.ContentID)
	log := a.logger().With(zap.String("user", req.user()), zap.String("content_id", req.ContentID))

	swap, err := a.Swaps.CreateSwap(r.Context(), SWAPRPC.CreateSwapRequest{
		ToAmount:      item.Price,
		RedeemAddress: a.redeemAddress(req.user()),
	})
	if err != nil {
		log.Error("error creating swap", zap.Error(err))
		responseError(w, http.StatusInternalServerError, "Failed to create swap", err.Error(), "")
		return
	}

	rec := types.SwapRecord{
		SwapID:         swap.SwapID,
		UserAddress:    req.user(),
		ContentID:      req.ContentID,
		Provider:       types.ProviderAtomiq,
		Protocol:       a.Protocol,
		DepositAddress: swap.DepositAddress,
		Amount:         swap.FromAmount,
	}
	if err := a.Records.Register(r.Context(), rec); err != nil {
		log.Error("error storing swap record", zap.String("swap_id", swap.SwapID), zap.Error(err))
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrDuplicateSwap) {
			code = http.StatusConflict
		}
		responseError(w, code, "Failed to store swap", err.Error(), "")
		return
	}

	responseJSON(w, &APIResponseSwap{
		DepositAddress: swap.DepositAddress,
		Amount:         swap.FromAmount,
		SwapID:         swap.SwapID,
	}, http.StatusOK)
}
