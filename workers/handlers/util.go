package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
)

const maxBodySize = 64 << 10

func responseJSON(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func responseError(w http.ResponseWriter, code int, msg, details, field string) {
	responseJSON(w, &APIError{Error: msg, Details: details, Field: field}, code)
}

func readJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// validAddress accepts checksummed and all-lowercase 20 byte hex addresses.
func validAddress(addr string) bool {
	if !common.IsHexAddress(addr) {
		return false
	}
	return ethav.Validate(common.HexToAddress(addr).Hex()) == nil
}
