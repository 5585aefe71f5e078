package server

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestParsesLineHeadersAndBody(t *testing.T) {
	raw := "POST /api/v1/failover HTTP/1.1\r\n" +
		"Content-Length: 12\r\n" +
		"Authorization: Bearer secret\r\n" +
		"\r\n" +
		`{"reason":1}`

	req, err := parseRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/api/v1/failover", req.Path)
	assert.Equal(t, "Bearer secret", req.Headers["authorization"])
	assert.Equal(t, `{"reason":1}`, string(req.Body))
}

func TestParseRequestRejectsMalformedRequestLine(t *testing.T) {
	_, err := parseRequest(bufio.NewReader(strings.NewReader("garbage\r\n\r\n")))
	assert.Error(t, err)
}

func TestParseRequestEnforcesByteCap(t *testing.T) {
	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < 2000; i++ {
		b.WriteString("X-Pad: " + strings.Repeat("a", 64) + "\r\n")
	}
	b.WriteString("\r\n")

	_, err := parseRequest(bufio.NewReader(strings.NewReader(b.String())))
	assert.ErrorIs(t, err, errRequestTooLarge)
}

func TestParseRequestRejectsOversizedBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nContent-Length: 9000\r\n\r\n" + strings.Repeat("a", 100)
	_, err := parseRequest(bufio.NewReader(strings.NewReader(raw)))
	assert.ErrorIs(t, err, errRequestTooLarge)
}

func TestRouterDispatchMatchesPathParams(t *testing.T) {
	r := NewRouter()
	var gotID string
	r.Handle("GET", "/api/v1/nodes/{id}", func(req *Request, params map[string]string) Response {
		gotID = params["id"]
		return Response{Status: 200, Body: map[string]string{"ok": "1"}}
	})

	resp := r.Dispatch(&Request{Method: "GET", Path: "/api/v1/nodes/7"})
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "7", gotID)
}

func TestRouterDispatchReturns405OnWrongMethod(t *testing.T) {
	r := NewRouter()
	r.Handle("POST", "/api/v1/failover", func(req *Request, params map[string]string) Response {
		return Response{Status: 200}
	})
	resp := r.Dispatch(&Request{Method: "GET", Path: "/api/v1/failover"})
	assert.Equal(t, 405, resp.Status)
}

func TestRouterDispatchReturns404OnNoMatch(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/api/v1/nodes", func(req *Request, params map[string]string) Response {
		return Response{Status: 200}
	})
	resp := r.Dispatch(&Request{Method: "GET", Path: "/api/v1/unknown"})
	assert.Equal(t, 404, resp.Status)
}

func TestDecodeBodyToleratesUnknownFields(t *testing.T) {
	type target struct {
		Reason string `json:"reason"`
	}
	var dst target
	err := decodeBody([]byte(`{"reason":"x","extra_field_nobody_declared":42}`), &dst)
	require.NoError(t, err)
	assert.Equal(t, "x", dst.Reason)
}

func TestParamIntRejectsNonNumeric(t *testing.T) {
	_, ok := paramInt(map[string]string{"id": "abc"}, "id")
	assert.False(t, ok)
	n, ok := paramInt(map[string]string{"id": "42"}, "id")
	assert.True(t, ok)
	assert.Equal(t, 42, n)
}

func TestCheckAuthConstantTimeCompareRejectsWrongToken(t *testing.T) {
	l := &Listener{authEnabled: true, authToken: "correct-token"}
	ok := l.checkAuth(&Request{Headers: map[string]string{"authorization": "Bearer wrong-token"}})
	assert.False(t, ok)
	ok = l.checkAuth(&Request{Headers: map[string]string{"authorization": "Bearer correct-token"}})
	assert.True(t, ok)
}

func TestCheckAuthRejectsMissingBearerPrefix(t *testing.T) {
	l := &Listener{authEnabled: true, authToken: "correct-token"}
	ok := l.checkAuth(&Request{Headers: map[string]string{"authorization": "correct-token"}})
	assert.False(t, ok)
}

func TestWriteResponseSerializesJSONAndPlainText(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	go func() {
		writeResponse(srv, Response{Status: 200, Body: map[string]string{"a": "b"}})
		srv.Close()
	}()
	out, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Contains(t, string(out), "200 OK")
	assert.Contains(t, string(out), `"a":"b"`)
	assert.Contains(t, string(out), "Content-Type: application/json")

	client2, srv2 := net.Pipe()
	defer client2.Close()
	go func() {
		writeResponse(srv2, Response{Status: 200, Body: "plain text body"})
		srv2.Close()
	}()
	out2, err := io.ReadAll(client2)
	require.NoError(t, err)
	assert.Contains(t, string(out2), "Content-Type: text/plain")
	assert.Contains(t, string(out2), "plain text body")
}

func TestServeConnRequiresAuthOnMetrics(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/metrics", func(req *Request, params map[string]string) Response {
		return Response{Status: 200, Body: "metrics body"}
	})
	l := &Listener{router: r, authEnabled: true, authToken: "correct-token"}

	client, srv := net.Pipe()
	defer client.Close()
	go l.serveConn(srv)

	fmt.Fprint(client, "GET /metrics HTTP/1.1\r\n\r\n")
	out, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Contains(t, string(out), "401 Unauthorized")

	client2, srv2 := net.Pipe()
	defer client2.Close()
	go l.serveConn(srv2)

	fmt.Fprint(client2, "GET /metrics HTTP/1.1\r\nAuthorization: Bearer correct-token\r\n\r\n")
	out2, err := io.ReadAll(client2)
	require.NoError(t, err)
	assert.Contains(t, string(out2), "200 OK")
	assert.Contains(t, string(out2), "metrics body")
}

func TestConstantTimeCompareDirectly(t *testing.T) {
	assert.Equal(t, 1, subtle.ConstantTimeCompare([]byte("abc"), []byte("abc")))
	assert.Equal(t, 0, subtle.ConstantTimeCompare([]byte("abc"), []byte("abd")))
}

func TestWalLSNToUintOrdersLexicallyByValue(t *testing.T) {
	low := walLSNToUint("0/3000000")
	high := walLSNToUint("0/5000000")
	assert.Less(t, low, high)
	assert.Equal(t, uint64(0), walLSNToUint("garbage"))
}

func TestItoaMatchesStrconv(t *testing.T) {
	for _, n := range []int{0, 1, -5, 12345} {
		assert.Equal(t, strconv.Itoa(n), itoa(n))
	}
}
