// Package responders holds the success-path response writers shared by the
// HTTP handlers. Error responses live in internal/errors.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload as an application/json body with the given status.
// HTML escaping is disabled so download URLs with query tokens are not
// mangled into & sequences in mail previews and API clients.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	// The status line is already sent; an encode failure here can only be
	// reported by the caller's access log, not to the client.
	_ = enc.Encode(payload)
}
