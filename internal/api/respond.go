package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hay-kot/criterio"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error code and any per-field problems.
type ErrorDetail struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Fields  map[string]string   `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error code to its HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrValidation, apperrors.ErrUnsupportedStrategy:
		return http.StatusBadRequest
	case apperrors.ErrAlreadyResolved:
		return http.StatusConflict
	case apperrors.ErrQueueFull:
		return http.StatusInsufficientStorage
	case apperrors.ErrPersistence:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)

	detail := ErrorDetail{Code: code, Message: err.Error()}
	var fe criterio.FieldErrors
	if errors.As(err, &fe) {
		detail.Fields = make(map[string]string, len(fe))
		for _, f := range fe {
			detail.Fields[f.Field] = f.Err.Error()
		}
	}
	if status == http.StatusInternalServerError {
		s.log.ErrorWithCode("Request failed", string(code), err, nil)
		detail.Message = "internal error"
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err)
	}
	return nil
}

func badQuery(name string, err error) error {
	return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("invalid %s", name), err)
}
