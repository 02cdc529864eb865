package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeDispatchesRegisteredTool(t *testing.T) {
	srv := NewServer()
	srv.RegisterTool("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Value string `json:"value"`
		}
		require.NoError(t, json.Unmarshal(params, &p))
		return map[string]any{"echoed": p.Value}, nil
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"value":"hi"}}` + "\n")
	var out bytes.Buffer

	require.NoError(t, srv.Serve(context.Background(), in, &out))

	var resp Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	assert.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", result["echoed"])
}

func TestServeUnknownMethodReturnsError(t *testing.T) {
	srv := NewServer()
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"nope"}` + "\n")
	var out bytes.Buffer

	require.NoError(t, srv.Serve(context.Background(), in, &out))

	var resp Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestServeInvalidJSONReturnsParseError(t *testing.T) {
	srv := NewServer()
	in := strings.NewReader("not json\n")
	var out bytes.Buffer

	require.NoError(t, srv.Serve(context.Background(), in, &out))

	var resp Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeParseError, resp.Error.Code)
}

func TestDispatchToolErrorBecomesSuccessFalseResult(t *testing.T) {
	srv := NewServer()
	srv.RegisterTool("boom", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, assert.AnError
	})

	resp := srv.dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"boom"}`))
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, result["success"])
}
