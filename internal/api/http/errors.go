package httpapi

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
)

type errorBody struct {
	Error    string             `json:"error"`
	Message  string             `json:"message"`
	Conflict *apperror.Conflict `json:"conflict,omitempty"`
}

func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindSlotConflict, apperror.KindInvalidTransition, apperror.KindInUse:
		return http.StatusConflict
	case apperror.KindMachineUnavailable, apperror.KindLeadTimeViolation, apperror.KindIdentifierExhausted:
		return http.StatusUnprocessableEntity
	case apperror.KindInsufficientTokens:
		return http.StatusPaymentRequired
	case apperror.KindUnauthorized:
		return http.StatusForbidden
	case apperror.KindInvalidArgument:
		return http.StatusBadRequest
	case apperror.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError writes err using its kind. Internal failures are logged and
// their message is not echoed to the caller.
func (s *Server) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperror.KindOf(err)
	status := statusFor(kind)
	body := errorBody{Error: string(kind), Message: err.Error()}
	if e, ok := apperror.As(err); ok {
		body.Conflict = e.Conflict
	}

	level := zerolog.DebugLevel
	switch {
	case status == http.StatusServiceUnavailable:
		level = zerolog.WarnLevel
	case status >= http.StatusInternalServerError:
		level = zerolog.ErrorLevel
		if kind == apperror.KindInternal {
			body.Message = "internal error"
		}
	}
	s.logger.WithLevel(level).Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("kind", string(kind)).
		Msg("request failed")

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, status, body)
}
