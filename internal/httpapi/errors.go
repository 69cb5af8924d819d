package httpapi

import (
	"net/http"

	"github.com/debugserver/server/internal/apierr"
)

// writeError maps a classified error to the status codes in §7 and writes
// a JSON error body. Unclassified errors default to 500.
func writeError(w http.ResponseWriter, err error) {
	kind := apierr.As(err)
	status := http.StatusInternalServerError
	switch kind {
	case apierr.KindValidation:
		status = http.StatusUnprocessableEntity
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindAuthFailure:
		status = http.StatusUnauthorized
	case apierr.KindScopeDenied:
		status = http.StatusForbidden
	case apierr.KindLeaseConflict, apierr.KindCapacityExhausted, apierr.KindMetadataConflict:
		status = http.StatusConflict
	case apierr.KindPatchApplication:
		status = http.StatusUnprocessableEntity
	case apierr.KindCommandExecution:
		status = http.StatusInternalServerError
	case apierr.KindSubprocessTimeout:
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeValidationError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": msg})
}
