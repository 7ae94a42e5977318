package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError renders err as {status, message, messageCode}. Foreign errors
// are masked as 500s; the engine has already logged and reported them.
func writeError(w http.ResponseWriter, err error) {
	var le *ledger.Error
	if !errors.As(err, &le) {
		le = ledger.ErrUnexpected
	}
	status := le.HTTPStatus()
	message := le.Error()
	if le.Kind == ledger.KindUnexpected {
		message = ledger.ErrUnexpected.Message
	}
	writeJSON(w, status, ErrorResponse{
		Status:      status,
		Message:     message,
		MessageCode: string(le.Code),
	})
}

// decode reads a JSON body into dst. Malformed bodies are InvalidRequest.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ledger.Errorf(ledger.ErrInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}
