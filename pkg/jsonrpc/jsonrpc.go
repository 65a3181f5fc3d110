// Package jsonrpc implements the newline-delimited JSON-RPC 2.0 framing
// spoken with the worker process over stdin/stdout.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only protocol version the worker speaks.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Message is one JSON-RPC frame: a request (Method and ID), a notification
// (Method, no ID) or a response (ID with Result or Error).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error object of a failed response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsResponse reports whether the frame carries a result or an error.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request frame. Nil params are sent as an empty object.
func NewRequest(id uint64, method string, params any) (*Message, error) {
	raw := json.RawMessage(`{}`)
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = encoded
	}
	return &Message{
		JSONRPC: Version,
		ID:      &id,
		Method:  method,
		Params:  raw,
	}, nil
}

// Encode serializes a frame without the trailing newline; the transport adds it.
// json.Marshal compacts RawMessage fields, so the output is always one line.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// wireMessage accepts any id shape so a bad id does not hide the frame.
type wireMessage struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// DecodeFrame parses one line. ok is false for lines that are not JSON
// objects and for objects without a jsonrpc member, which are treated as
// log text the worker interleaved with protocol output.
//
// A frame whose id is not a non-negative integer decodes with a nil ID.
func DecodeFrame(line []byte) (*Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}

	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, false
	}
	if w.JSONRPC == nil {
		return nil, false
	}

	msg := &Message{
		JSONRPC: *w.JSONRPC,
		Method:  w.Method,
		Params:  w.Params,
		Result:  w.Result,
		Error:   w.Error,
	}
	if id, ok := parseID(w.ID); ok {
		msg.ID = &id
	}
	return msg, true
}

func parseID(raw json.RawMessage) (uint64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
