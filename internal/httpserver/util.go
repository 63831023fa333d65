package httpserver

import (
	"encoding/json"
	"io"
)

// decodeJSON strictly decodes one JSON object from a request body and closes
// it. Unknown fields are rejected so a client typo like "newPasword" surfaces
// as a 400 instead of a silently ignored field.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}
