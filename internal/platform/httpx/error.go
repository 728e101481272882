package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumiframe/api/internal/platform/requestctx"
	"github.com/lumiframe/api/internal/platform/textutil"
)

const (
	maxCodeRunes    = 80
	maxMessageRunes = 512
)

// Error is a failure rendered as an envelope with isSuccess=false and null data.
type Error struct {
	Code    string
	Message string
	Status  int
}

// ErrorInfo is the machine-readable part of a failure envelope. Request and trace ids let
// support staff find the matching log entries.
type ErrorInfo struct {
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
}

// NewError builds an Error. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: code, Message: message, Status: status}
}

// WriteError writes err. The request id comes from chi's RequestID middleware and the trace id
// from the trace middleware, when either ran.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeEnvelope(w, status, Envelope{
		Message: textutil.SingleLine(err.Message, maxMessageRunes),
		Error: &ErrorInfo{
			Code:      textutil.SingleLine(err.Code, maxCodeRunes),
			RequestID: textutil.SingleLine(middleware.GetReqID(ctx), maxCodeRunes),
			TraceID:   requestctx.TraceID(ctx),
		},
	})
}
