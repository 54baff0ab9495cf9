package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the report produced by snapshot as JSON. The response code
// follows the aggregate: 503 when unhealthy, 200 otherwise, so a degraded
// daemon keeps passing liveness checks while it reconnects.
func Handler(snapshot func() Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		st := snapshot()

		w.Header().Set("Content-Type", "application/json")
		if st.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
}
