package gateway

import (
	"encoding/json"
	"fmt"
)

// byteBroadcastStateless is the outbound leading byte used for structured, non-CRDT frames such as
// errors. It is distinct from the inbound classifier's first-byte table in internal/classify,
// which never needs to produce this value on the wire itself.
const byteBroadcastStateless = 6

// errorPayload is the JSON body carried by an outbound error frame.
type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorFrame builds the wire bytes for a structured error frame: a leading
// byteBroadcastStateless byte followed by a JSON-encoded errorPayload.
func NewErrorFrame(code, message string) ([]byte, error) {
	payload, err := json.Marshal(errorPayload{Type: "error", Code: code, Message: message})
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal error frame: %w", err)
	}
	return append([]byte{byteBroadcastStateless}, payload...), nil
}
