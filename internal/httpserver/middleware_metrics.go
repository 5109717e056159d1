package httpserver

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/EscrowBox/server/internal/errors"
)

// adminMetricsAuth guards /metrics with a bearer key. An empty key leaves the
// endpoint open, which is the expected setup when Prometheus scrapes over a
// private network.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get("Authorization") != "Bearer "+apiKey {
				resp := apierrors.NewErrorResponse(apierrors.ErrCodeInvalidField, "Invalid or missing admin API key", nil)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(resp)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
