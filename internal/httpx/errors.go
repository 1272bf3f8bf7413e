package httpx

import (
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/rs/zerolog"
	"net/http"
)

type errorResp struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available int    `json:"available,omitempty"`
}

func statusFor(code string) int {
	switch code {
	case orders.CodeConflictingPayload, orders.CodeDuplicateInFlight, orders.CodeInvalidTransition:
		return http.StatusConflict
	case orders.CodeInsufficientStock, orders.CodeUnknownProduct, orders.CodeAmountMismatch:
		return http.StatusUnprocessableEntity
	case orders.CodeOrderNotFound:
		return http.StatusNotFound
	case orders.CodeInvalidRequest:
		return http.StatusBadRequest
	case orders.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an engine error onto a status code and error body.
// Internal failures are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := orders.Code(err)
	d := errorDetail{Code: code, Message: err.Error()}
	var se *orders.StockError
	if errors.As(err, &se) {
		d.ProductID, d.Requested, d.Available = se.ProductID, se.Requested, se.Available
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("code", code).Msg("request failed")
		if status == http.StatusInternalServerError {
			d.Message = "internal error"
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResp{Error: d})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResp{Error: errorDetail{Code: orders.CodeInvalidRequest, Message: msg}})
}
