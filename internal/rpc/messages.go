// Package rpc implements the JSON-RPC2 envelope used by the json protocol
// adapter, including the service-level error codes the web client expects.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the supported JSON-RPC protocol version.
const Version = "2.0"

// ErrorCode is a service-level error code carried in the error envelope.
type ErrorCode int

const (
	// CodeSessionInvalid is reported for authentication failures and tells
	// the client to run its re-login flow.
	CodeSessionInvalid ErrorCode = 100
	// CodeServerError is reported for every other failure.
	CodeServerError ErrorCode = 200
)

// Request is an inbound JSON-RPC request envelope.
type Request struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *RequestID      `json:"id"`
}

// Response is an outbound JSON-RPC response envelope. SessionID is only
// populated in JSONP mode, where cookies cannot carry the session.
type Response struct {
	Version   string     `json:"jsonrpc"`
	ID        *RequestID `json:"id"`
	Result    any        `json:"result"`
	Error     *Error     `json:"error,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
}

// MarshalJSON keeps the two envelope shapes disjoint: a success always
// carries a result member, even for a null result, and an error never
// does. Clients tell success from failure by which member is present.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			Version   string     `json:"jsonrpc"`
			ID        *RequestID `json:"id"`
			Error     *Error     `json:"error"`
			SessionID string     `json:"session_id,omitempty"`
		}{r.Version, r.ID, r.Error, r.SessionID})
	}
	return json.Marshal(struct {
		Version   string     `json:"jsonrpc"`
		ID        *RequestID `json:"id"`
		Result    any        `json:"result"`
		SessionID string     `json:"session_id,omitempty"`
	}{r.Version, r.ID, r.Result, r.SessionID})
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// NewResult builds a successful response envelope.
func NewResult(id *RequestID, result any) *Response {
	return &Response{Version: Version, ID: id, Result: result}
}

// NewError builds an error response envelope.
func NewError(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{Version: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// Decode parses a raw request body into an envelope, rejecting any body
// that smuggles structural references (see RejectNonLiteral).
func Decode(body []byte) (*Request, error) {
	var probe any
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC body: %w", err)
	}
	if err := RejectNonLiteral(probe); err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC envelope: %w", err)
	}
	return &req, nil
}

// RejectNonLiteral refuses any decoded JSON value that contains an object
// with a "__ref" key, anywhere in the structure. Untrusted clients must not
// be able to smuggle object references to the server.
func RejectNonLiteral(v any) error {
	switch t := v.(type) {
	case map[string]any:
		if _, ok := t["__ref"]; ok {
			return fmt.Errorf("non-literal contexts can not be sent to the server (%v)", t)
		}
		for _, elem := range t {
			if err := RejectNonLiteral(elem); err != nil {
				return err
			}
		}
	case []any:
		for _, elem := range t {
			if err := RejectNonLiteral(elem); err != nil {
				return err
			}
		}
	}
	return nil
}
