package rpc

import (
	"bufio"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFramedMessageNewlineDelimited(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	payload, usedHeaders, err := readFramedMessage(r)
	require.NoError(t, err)
	assert.False(t, usedHeaders)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(payload))
}

func TestReadFramedMessageContentLength(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":2,"method":"ping"}`
	raw := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	r := bufio.NewReader(strings.NewReader(raw))

	payload, usedHeaders, err := readFramedMessage(r)
	require.NoError(t, err)
	assert.True(t, usedHeaders)
	assert.JSONEq(t, body, string(payload))
}

func TestParseContentLength(t *testing.T) {
	length, ok := parseContentLength("Content-Length: 42")
	assert.True(t, ok)
	assert.Equal(t, 42, length)

	_, ok = parseContentLength("X-Other: 42")
	assert.False(t, ok)

	_, ok = parseContentLength("Content-Length: not-a-number")
	assert.False(t, ok)
}
