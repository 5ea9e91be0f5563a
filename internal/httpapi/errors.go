package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/swarmguard/orchestrator/internal/apierror"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// maxBodySize bounds request bodies the same way the teacher's gateway
// limits /v1/ingest to 2MB, guarding against unbounded reads at the
// boundary.
const maxBodySize = 2 << 20

// readAll reads a size-capped request body; a read error yields an empty
// slice, which downstream parseAndRequire rejects as a missing body.
func readAll(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, nil
	}
	return b, nil
}

// errorBody is the stable {error, message, details} response shape
// spec.md §7 requires at every boundary.
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Path    string         `json:"path,omitempty"`
}

// writeError maps err to a status code via apierror.StatusCode and writes
// the stable error envelope. Validation failures raised by this package's
// own payload parsing (fieldError) are mapped to 400 directly since they
// never reach a component that would wrap them in *apierror.Error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apiErr, ok := apierror.As(err); ok {
		writeJSON(w, apierror.StatusCode(apiErr.Kind), errorBody{
			Error:   apiErr.Code,
			Message: apiErr.Message,
			Details: apiErr.Details,
			Path:    r.URL.Path,
		})
		return
	}
	if fe, ok := err.(fieldError); ok {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "validation_failed",
			Message: fe.Error(),
			Path:    r.URL.Path,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:   "internal_error",
		Message: err.Error(),
		Path:    r.URL.Path,
	})
}
