package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rendis/sitegraph/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a SitegraphError code to an HTTP status and writes it with
// the code alongside the message.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	var sgErr *schema.SitegraphError
	if errors.As(err, &sgErr) {
		body["error"] = sgErr.Message
		body["code"] = sgErr.Code
		switch {
		case sgErr.Code == schema.ErrCodeNotFound:
			status = http.StatusNotFound
		case sgErr.Code == schema.ErrCodeConflict:
			status = http.StatusConflict
		case schema.IsValidation(err):
			status = http.StatusBadRequest
		case schema.IsFatal(err):
			status = http.StatusPreconditionFailed
		}
	}
	writeJSON(w, status, body)
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
