package handlers

import (
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/forageapi/forage/internal/fetch"
	"github.com/forageapi/forage/internal/models"
)

// ErrorEnvelope is the API error body: {success:false, error, code?,
// details?}. It doubles as huma's error type so framework-level failures
// (body parse, schema validation) surface the same shape as domain
// errors.
type ErrorEnvelope struct {
	status  int
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (e *ErrorEnvelope) Error() string { return e.Message }

// GetStatus implements huma.StatusError.
func (e *ErrorEnvelope) GetStatus() int { return e.status }

// ContentType keeps errors on plain application/json instead of
// problem+json.
func (e *ErrorEnvelope) ContentType(string) string { return "application/json" }

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		// Huma reports schema violations as 422; the API surfaces every
		// request-shape problem as a 400 validation error.
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		env := &ErrorEnvelope{status: status, Message: msg}
		switch {
		case status == http.StatusBadRequest:
			env.Code = models.CodeValidation
		case status >= http.StatusInternalServerError:
			env.Code = models.CodeInternal
		}
		details := make([]string, 0, len(errs))
		for _, err := range errs {
			if err != nil {
				details = append(details, err.Error())
			}
		}
		if len(details) > 0 {
			env.Details = details
		}
		return env
	}
}

// apiErr shapes any error into the envelope. Fetch engine errors keep
// their code and map onto an HTTP status; coded request errors pass
// through; everything else becomes an opaque 500.
func apiErr(err error) error {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}

	var fe *fetch.Error
	if errors.As(err, &fe) {
		return &ErrorEnvelope{
			status:  statusForCode(fe.Code),
			Code:    fe.Code,
			Message: fe.Message,
		}
	}

	re := models.AsRequestError(err)
	return &ErrorEnvelope{
		status:  re.Status,
		Code:    re.Code,
		Message: re.Message,
		Details: re.Details,
	}
}

// statusForCode maps engine error codes onto HTTP statuses. Upstream
// protocol failures are 500s with a code; request-shape problems are
// 4xx.
func statusForCode(code string) int {
	switch code {
	case models.CodeInvalidURL, models.CodeUnsupportedFile:
		return http.StatusBadRequest
	case models.CodeTimeout:
		return http.StatusRequestTimeout
	case models.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
