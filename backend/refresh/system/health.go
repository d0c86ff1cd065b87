package system

import (
	"encoding/json"
	"net/http"
)

// HealthHandler serves the health of whichever runtime current returns.
func HealthHandler(current func() *Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		rt := current()
		if rt == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(Health{Status: "unavailable", Degraded: []string{}})
			return
		}
		_ = json.NewEncoder(w).Encode(rt.Health())
	}
}
