package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"gomicropay/types"
)

// SubmitInvoice opens a Lightning mint quote for the content price. The quote
// id doubles as swap id.
func (a *API) SubmitInvoice(w http.ResponseWriter, r *http.Request) {
	if a.Quotes == nil {
		responseError(w, http.StatusServiceUnavailable, "Lightning payments are not enabled", "", "")
		return
	}
	req, ok := a.validatePurchase(w, r)
	if !ok {
		return
	}
	item, _ := a.item(req.ContentID)
	if item.Sats <= 0 {
		responseError(w, http.StatusBadRequest, "Content has no Lightning price", req.ContentID, "contentId")
		return
	}
	log := a.logger().With(zap.String("user", req.user()), zap.String("content_id", req.ContentID))

	quote, err := a.Quotes.CreateQuote(r.Context(), item.Sats)
	if err != nil {
		log.Error("error creating invoice", zap.Error(err))
		responseError(w, http.StatusInternalServerError, "Failed to create invoice", err.Error(), "")
		return
	}

	rec := types.SwapRecord{
		SwapID:         quote.Quote,
		UserAddress:    req.user(),
		ContentID:      req.ContentID,
		Provider:       types.ProviderCashu,
		Protocol:       a.Protocol,
		DepositAddress: quote.Request,
		Amount:         strconv.FormatInt(item.Sats, 10),
	}
	if err := a.Records.Register(r.Context(), rec); err != nil {
		log.Error("error storing invoice record", zap.String("swap_id", quote.Quote), zap.Error(err))
		responseError(w, http.StatusInternalServerError, "Failed to store invoice", err.Error(), "")
		return
	}

	responseJSON(w, &APIResponseInvoice{
		Invoice: quote.Request,
		Amount:  item.Sats,
		SwapID:  quote.Quote,
	}, http.StatusOK)
}
