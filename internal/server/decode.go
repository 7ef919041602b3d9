package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const maxBodySize = 1 << 20 // 1MB

// DecodeJSON decodes a single JSON value from the request body into dst.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return InvalidJSON("empty body")
	}
	defer func() {
		_ = r.Body.Close()
	}()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var se *json.SyntaxError
		var ute *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return InvalidJSON("empty body")
		case errors.As(err, &se):
			return InvalidJSON("malformed JSON")
		case errors.As(err, &ute):
			return InvalidJSON("type mismatch in JSON")
		default:
			return InvalidJSON("invalid JSON")
		}
	}
	if dec.More() {
		return InvalidJSON("multiple JSON values")
	}
	return nil
}
