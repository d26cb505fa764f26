package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"breathofnow/internal/types"
)

const maxRequestBodySize = 64 << 10

// APIResponse is the standard envelope for all successful API responses.
type APIResponse struct {
	Data any `json:"data"`
}

// Data writes v inside the success envelope.
func Data(w http.ResponseWriter, r *http.Request, status int, v any) {
	JSON(w, r, status, APIResponse{Data: v})
}

// APIErrorResponse is the standard envelope for all error API responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON marshals v and writes it with the given status. A value that cannot
// be marshalled turns into a 500 internal_unexpected_error body.
func JSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		types.LoggerFromContext(r.Context()).Error("response marshal failed", "error", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorBody(r, types.ErrCodeInternalUnexpected, "failed to marshal response", nil))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func errorBody(r *http.Request, code types.ErrorCode, msg string, details map[string]any) APIErrorResponse {
	return APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   msg,
		Details:   details,
		RequestID: types.GetRequestID(r.Context()),
	}}
}

// Error writes err as an error envelope. An *types.AppError anywhere in the
// chain decides the status and code; anything else is a 500 whose message
// is never shown to the client. Server-side failures are logged.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	logger := types.LoggerFromContext(r.Context())

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		logger.Error("request failed", "error", err)
		JSON(w, r, http.StatusInternalServerError,
			errorBody(r, types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
		return
	}

	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", appErr.Code, "error", appErr.Err)
	}
	JSON(w, r, status, errorBody(r, appErr.Code, appErr.Message, appErr.Details))
}

// DecodeJSON reads a single JSON object from the request body into dst,
// rejecting unknown fields and bodies over 64 KiB. Every failure is a
// validation_invalid_json AppError.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return invalidJSON("request body must contain a single JSON object", nil, nil)
	}
	return nil
}

func invalidJSON(msg string, err error, details map[string]any) *types.AppError {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON, msg, err, details)
}

func decodeError(err error) *types.AppError {
	var (
		tooLarge *http.MaxBytesError
		syntax   *json.SyntaxError
		typeErr  *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &tooLarge):
		return invalidJSON("request body must not exceed 64KiB", err, nil)
	case errors.As(err, &syntax):
		return invalidJSON("malformed JSON in request body", err, nil)
	case errors.As(err, &typeErr):
		return invalidJSON("invalid value for field", err, map[string]any{
			"field":    typeErr.Field,
			"expected": typeErr.Type.String(),
		})
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return invalidJSON("unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err, nil)
	case errors.Is(err, io.EOF):
		return invalidJSON("request body must not be empty", err, nil)
	default:
		return invalidJSON("invalid JSON in request body", err, nil)
	}
}
