package httpx

import (
	"errors"
	"net/http"

	"github.com/opsdeck/opsdeck/internal/shared"
)

// RespondError writes the envelope response for a known domain error and
// reports whether it handled one. Callers log and answer 500 for the rest,
// keeping internal detail out of the response body.
func RespondError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, shared.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, shared.ErrDuplicate):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials), errors.Is(err, shared.ErrAccountDisabled):
		Error(w, http.StatusUnauthorized, err.Error())
	default:
		return false
	}
	return true
}
