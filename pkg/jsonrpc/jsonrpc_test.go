package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest_WireShape(t *testing.T) {
	msg, err := NewRequest(7, "tasks/list", map[string]any{"limit": 5})
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"method":"tasks/list","params":{"limit":5}}`, string(data))
	assert.NotContains(t, string(data), "\n")
}

func TestNewRequest_NilParamsBecomeEmptyObject(t *testing.T) {
	msg, err := NewRequest(1, "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(msg.Params))
}

func TestNewRequest_UnencodableParams(t *testing.T) {
	_, err := NewRequest(1, "ping", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestEncode_CompactsMultilineParams(t *testing.T) {
	id := uint64(1)
	msg := &Message{JSONRPC: Version, ID: &id, Method: "x", Params: json.RawMessage("{\n  \"a\": 1\n}")}
	data, err := Encode(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\n")
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"x","params":{"a":1}}`, string(data))
}

func TestEncode_RejectsInvalidRawParams(t *testing.T) {
	id := uint64(1)
	msg := &Message{JSONRPC: Version, ID: &id, Method: "x", Params: json.RawMessage(`{"a":`)}
	_, err := Encode(msg)
	assert.Error(t, err)
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantOK   bool
		wantID   *uint64
		response bool
	}{
		{"result", `{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`, true, ptr(3), true},
		{"null result", `{"jsonrpc":"2.0","id":4,"result":null}`, true, ptr(4), true},
		{"error", `{"jsonrpc":"2.0","id":5,"error":{"code":-32000,"message":"boom"}}`, true, ptr(5), true},
		{"notification", `{"jsonrpc":"2.0","method":"log","params":{}}`, true, nil, false},
		{"string id", `{"jsonrpc":"2.0","id":"abc","result":1}`, true, nil, false},
		{"missing jsonrpc", `{"level":"info","msg":"worker ready"}`, false, nil, false},
		{"plain text", `starting worker v1.2`, false, nil, false},
		{"truncated", `{"jsonrpc":"2.0","id":`, false, nil, false},
		{"array", `[1,2,3]`, false, nil, false},
		{"blank", `   `, false, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := DecodeFrame([]byte(tt.line))
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				assert.Nil(t, msg)
				return
			}
			assert.Equal(t, tt.wantID, msg.ID)
			assert.Equal(t, tt.response, msg.IsResponse())
		})
	}
}

func TestDecodeFrame_ErrorPayload(t *testing.T) {
	msg, ok := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":9,"error":{"code":-32601,"message":"no such method","data":{"m":"x"}}}`))
	require.True(t, ok)
	require.NotNil(t, msg.Error)
	assert.Equal(t, MethodNotFound, msg.Error.Code)
	assert.Equal(t, "jsonrpc error -32601: no such method", msg.Error.Error())
	assert.JSONEq(t, `{"m":"x"}`, string(msg.Error.Data))
}

func ptr(v uint64) *uint64 { return &v }
