package toolgate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EncodeMessage serializes a JSONRPCMessage into its wire representation: a
// single newline-free JSON object. It rejects structurally invalid messages
// before they reach a transport.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses one framed wire message. Malformed data yields a
// *DecodeError so callers can log and discard without tearing anything down.
func DecodeMessage(data []byte) (JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, &DecodeError{Data: data, Err: err}
	}

	if err := validateMessage(msg); err != nil {
		return JSONRPCMessage{}, &DecodeError{Data: data, Err: err}
	}
	return msg, nil
}

func validateMessage(msg JSONRPCMessage) error {
	if msg.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("invalid jsonrpc version: %q", msg.JSONRPC)
	}
	if msg.Result != nil && msg.Error != nil {
		return errors.New("message carries both result and error")
	}
	if msg.Method == "" {
		// Not a request or notification, so it must be a well-formed response.
		if msg.Result == nil && msg.Error == nil {
			return errors.New("message carries neither method, result, nor error")
		}
		if msg.ID == "" {
			return errors.New("response without id")
		}
	}
	return nil
}

// isResponse reports whether the message is a response to a request we issued,
// as opposed to a server-initiated request or notification.
func (m JSONRPCMessage) isResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// isNotification reports whether the message is a notification (no id).
func (m JSONRPCMessage) isNotification() bool {
	return m.Method != "" && m.ID == ""
}

// containsNewline reports whether an encoded message would break
// newline-delimited framing.
func containsNewline(payload []byte) bool {
	return bytes.ContainsAny(payload, "\n\r")
}
