package handlers

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// APIError is the body of every failed request.
type APIError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

type PurchaseRequest struct {
	UserAddress string `json:"userAddress"`
	// older clients
	UserStarknetAddress string `json:"userStarknetAddress,omitempty"`
	ContentID           string `json:"contentId"`
}

func (p PurchaseRequest) user() string {
	if p.UserAddress != "" {
		return p.UserAddress
	}
	return p.UserStarknetAddress
}

type APIResponseSwap struct {
	DepositAddress string `json:"depositAddress"`
	Amount         string `json:"amount"` // BTC to send
	SwapID         string `json:"swapId"`
}

type APIResponseInvoice struct {
	Invoice string `json:"invoice"`
	Amount  int64  `json:"amount"` // sats
	SwapID  string `json:"swapId"`
}

type APIResponseBalance struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Raw     string `json:"raw"`
}

type APIStateResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Protocol string `json:"protocol"`
	Pending  int    `json:"pending"`
}
