package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
)

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto status codes. Dependency
// failures are logged but their cause is not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, orders.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid request", Error: err.Error()})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Message: "not found", Error: err.Error()})
	case errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, redisx.ErrInFlight):
		writeJSON(w, http.StatusConflict, errorBody{Message: "conflict", Error: err.Error()})
	default:
		log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "dependency failure"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &orders.ValidationError{Msg: "invalid json: " + err.Error()}
	}
	return nil
}
