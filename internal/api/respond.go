package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/claimlens/claimlens/internal/apperr"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

// httpStatus maps the error taxonomy to HTTP codes.
func httpStatus(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidInput, apperr.CodeInvalidEdit:
		return http.StatusBadRequest
	case apperr.CodeNotFound, apperr.CodeHospitalNotFound:
		return http.StatusNotFound
	case apperr.CodeNotReady, apperr.CodeAlreadyDeleted, apperr.CodeNotDeleted:
		return http.StatusConflict
	case apperr.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := httpStatus(code)

	var body errorBody
	body.Error.Code = code.String()
	body.Error.RequestID = RequestID(r.Context())

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Error.Message = appErr.Message
		if body.Error.Message == "" {
			body.Error.Message = appErr.Error()
		}
	} else {
		body.Error.Message = err.Error()
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "status", status, "request_id", body.Error.RequestID)
		// Do not leak internals in 5xx responses.
		if code == apperr.CodeInternal {
			body.Error.Message = "internal server error"
		}
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
