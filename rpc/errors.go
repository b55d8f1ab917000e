package rpc

import (
	"errors"
	"net/http"

	"tandachain/core/state"
	"tandachain/native/tanda"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020

	codeTandaValidation    = -32031
	codeTandaState         = -32032
	codeTandaAuthorization = -32033
	codeTandaLedger        = -32034
	codeTandaConfiguration = -32035
	codeTandaNotFound      = -32036
	codeTandaFunds         = -32037
)

type errorData struct {
	Code string `json:"code,omitempty"`
}

// writeTandaError maps a core or host failure onto a JSON-RPC error. The
// stable tanda code, when present, travels in the data member.
func writeTandaError(w http.ResponseWriter, id interface{}, err error) {
	status, code := classify(err)
	var data interface{}
	if c := tanda.Code(err); c != "" {
		data = errorData{Code: c}
	}
	writeError(w, status, id, code, err.Error(), data)
}

func classify(err error) (int, int) {
	switch {
	case errors.Is(err, tanda.ErrValidation):
		return http.StatusBadRequest, codeTandaValidation
	case errors.Is(err, tanda.ErrState):
		return http.StatusConflict, codeTandaState
	case errors.Is(err, tanda.ErrAuthorization):
		return http.StatusForbidden, codeTandaAuthorization
	case errors.Is(err, tanda.ErrLedger):
		return http.StatusConflict, codeTandaLedger
	case errors.Is(err, tanda.ErrConfiguration):
		return http.StatusBadRequest, codeTandaConfiguration
	case errors.Is(err, tanda.ErrTandaNotFound):
		return http.StatusNotFound, codeTandaNotFound
	case errors.Is(err, state.ErrInsufficientFunds):
		return http.StatusConflict, codeTandaFunds
	default:
		return http.StatusInternalServerError, codeServerError
	}
}
