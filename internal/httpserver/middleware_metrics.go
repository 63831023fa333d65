package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/runyourtrip/server/internal/errors"
)

// adminMetricsAuth protects the /metrics endpoint with a bearer key. An empty
// key leaves the endpoint open, which is fine when metrics are only reachable
// inside the cluster.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get("Authorization")
			want := "Bearer " + apiKey
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing admin API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
