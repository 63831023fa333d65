package httpserver

import (
	"net/http"
	"time"

	"github.com/runyourtrip/server/pkg/responders"
)

// health reports liveness plus a storage ping. Returns 503 when the store is
// unreachable so load balancers rotate the instance out.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	storageStatus := "ok"
	if err := h.store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		storageStatus = "unreachable"
	}

	responders.JSON(w, status, map[string]any{
		"status":  storageStatus,
		"uptime":  time.Since(serverStartTime).Truncate(time.Second).String(),
		"service": "runyourtrip-fulfillment",
	})
}
