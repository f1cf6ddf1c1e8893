package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEmptyBlob = errors.New("encoded value is empty")

// Encode marshals value to JSON and wraps it in standard base64, the
// form SDP descriptions travel in.
func Encode[T any](value T) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode.
func Decode[T any](encoded string) (T, error) {
	var result T
	if encoded == "" {
		return result, ErrEmptyBlob
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(raw) == 0 {
		return result, ErrEmptyBlob
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON (%d bytes): %w", len(raw), err)
	}
	return result, nil
}
