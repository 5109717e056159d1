package httpserver

import (
	"encoding/json"
	"io"
)

// decodeJSON decodes a request body into dest, rejecting fields the target
// struct does not declare. The body is closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
