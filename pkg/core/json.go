package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONEncode encodes a value to JSON bytes (fail-fast). HTML characters are
// left unescaped since thread output is forwarded as plain text.
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, &Error{Code: "INVALID_INPUT", Message: "cannot encode nil value"}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// JSONDecode decodes JSON bytes to a value (fail-fast).
func JSONDecode(data []byte, v interface{}) error {
	switch {
	case len(data) == 0:
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode empty data"}
	case v == nil:
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode into nil value"}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}
