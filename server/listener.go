package server

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Listener runs the Control API's acceptor thread and a short-lived worker
// goroutine per accepted connection, per §5's thread model.
type Listener struct {
	addr        string
	router      *Router
	authEnabled bool
	authToken   string

	ln      net.Listener
	closing atomic.Bool
}

// NewListener builds a Listener bound to addr:port, routing through
// router. Call Serve to accept connections.
func NewListener(bindAddress string, port int, router *Router, authEnabled bool, authToken string) *Listener {
	return &Listener{
		addr:        fmt.Sprintf("%s:%d", bindAddress, port),
		router:      router,
		authEnabled: authEnabled,
		authToken:   authToken,
	}
}

// Serve binds the listening socket and accepts connections until Close is
// called. Returns the bind error immediately on failure (port-bind failure
// is one of the two process-terminating startup errors).
func (l *Listener) Serve() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.closing.Load() {
				return nil
			}
			log.WithError(err).Warn("control-api: accept failed")
			continue
		}
		go l.serveConn(conn)
	}
}

// Close closes the listening socket, unblocking Serve's Accept loop, per
// the cancellation contract (§5): acceptors close their listening socket.
func (l *Listener) Close() error {
	l.closing.Store(true)
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *Listener) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	req, err := parseRequest(reader)
	if err != nil {
		writeResponse(conn, Response{Status: 400, Body: errBody(err.Error())})
		return
	}

	if l.authEnabled {
		if !l.checkAuth(req) {
			writeResponse(conn, Response{Status: 401, Body: errBody("unauthorized")})
			return
		}
	}

	resp := l.router.Dispatch(req)
	writeResponse(conn, resp)
}

func (l *Listener) checkAuth(req *Request) bool {
	const prefix = "Bearer "
	header := req.Headers["authorization"]
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	token := header[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(token), []byte(l.authToken)) == 1
}

func writeResponse(conn net.Conn, resp Response) {
	var body []byte
	contentType := "application/json"

	if s, ok := resp.Body.(string); ok {
		body = []byte(s)
		contentType = "text/plain"
	} else {
		b, err := json.Marshal(resp.Body)
		if err != nil {
			resp.Status = 500
			b = []byte(`{"error":"internal"}`)
		}
		body = b
	}

	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n", resp.Status, statusText(resp.Status))
	fmt.Fprintf(conn, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(conn, "Content-Length: %d\r\n", len(body))
	fmt.Fprint(conn, "Connection: close\r\n\r\n")
	conn.Write(body)
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 409:
		return "Conflict"
	case 503:
		return "Service Unavailable"
	default:
		return "Internal Server Error"
	}
}
