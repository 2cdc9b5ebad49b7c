package httpx

import (
	"errors"
	"net/http"

	"github.com/ariefcatur/grocery-orders/internal/orders"
)

type errorBody struct {
	Error   string                         `json:"error"`
	Code    string                         `json:"code"`
	Stock   *orders.InsufficientStockError `json:"stock,omitempty"`
	Details []string                       `json:"details,omitempty"`
}

// statusOf maps the order error taxonomy onto HTTP.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, orders.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, orders.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_address"
	case errors.Is(err, orders.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, orders.ErrProductUnavailable):
		return http.StatusConflict, "product_unavailable"
	case errors.Is(err, orders.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, orders.ErrPaymentBoundsExceeded):
		return http.StatusUnprocessableEntity, "payment_bounds_exceeded"
	case errors.Is(err, orders.ErrPaymentDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, orders.ErrStateTransition):
		return http.StatusConflict, "state_transition"
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orders.ErrTransactionConflict), errors.Is(err, orders.ErrDuplicateNumber):
		return http.StatusServiceUnavailable, "transaction_conflict"
	}
	return http.StatusInternalServerError, "internal"
}

func errorBodyOf(err error) (int, errorBody) {
	code, name := statusOf(err)
	body := errorBody{Error: err.Error(), Code: name}
	switch name {
	case "state_transition":
		body.Error = "operation not allowed"
	case "internal":
		body.Error = "internal error"
	case "transaction_conflict":
		body.Error = "order could not be committed, please retry"
	}
	var se *orders.InsufficientStockError
	if errors.As(err, &se) {
		body.Stock = se
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			body.Details = append(body.Details, e.Error())
		}
	}
	return code, body
}

func writeError(w http.ResponseWriter, err error) {
	code, body := errorBodyOf(err)
	writeJSON(w, code, body)
}
