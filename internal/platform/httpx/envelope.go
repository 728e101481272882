package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/lumiframe/api/internal/platform/textutil"
)

// Envelope is the body shape shared by every API response.
type Envelope struct {
	IsSuccess bool       `json:"isSuccess"`
	Message   string     `json:"message"`
	Data      any        `json:"data"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// WriteData writes data inside a success envelope.
func WriteData(w http.ResponseWriter, status int, message string, data any) {
	if status == 0 {
		status = http.StatusOK
	}
	writeEnvelope(w, status, Envelope{
		IsSuccess: true,
		Message:   textutil.SingleLine(message, maxMessageRunes),
		Data:      data,
	})
}

func writeEnvelope(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteStatus writes data with an explicit success flag. Readiness probes use it to
// report failing checks alongside a non-2xx status.
func WriteStatus(w http.ResponseWriter, status int, success bool, message string, data any) {
	if status == 0 {
		status = http.StatusOK
	}
	writeEnvelope(w, status, Envelope{
		IsSuccess: success,
		Message:   textutil.SingleLine(message, maxMessageRunes),
		Data:      data,
	})
}
