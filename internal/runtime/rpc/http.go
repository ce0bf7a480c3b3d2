package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
)

const (
	// PathPrefix is the root of every rpc route.
	PathPrefix = "/v1"

	maxRequestBody = 16 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewHTTPRouter returns a chi router serving s under PathPrefix. Callers may
// add routes to it before serving.
func NewHTTPRouter(s *Server) chi.Router {
	r := chi.NewRouter()
	MountHTTP(r, s)
	return r
}

// MountHTTP registers the unary and stream routes of s on r.
func MountHTTP(r chi.Router, s *Server) {
	r.Get(PathPrefix+"/stream/{capability}/{operation}", streamHandler(s))
	r.Post(PathPrefix+"/{capability}/{operation}", unaryHandler(s))
}

func unaryHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeResponse(w, Response{Error: StatusFromError(errspkg.InvalidArgument("http.read", "read body: %v", err))})
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := jsoncodec.Unmarshal(body, &req); err != nil {
				writeResponse(w, Response{Error: StatusFromError(errspkg.InvalidArgument("http.decode", "decode request: %v", err))})
				return
			}
		}
		req.Capability = chi.URLParam(r, "capability")
		req.Operation = chi.URLParam(r, "operation")
		writeResponse(w, s.Serve(r.Context(), req))
	}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	data, err := jsoncodec.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if resp.Error != nil {
		status = HTTPStatus(resp.Error.Kind)
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// HTTPStatus maps an error kind to the status code used on the HTTP channel.
func HTTPStatus(kind errspkg.Kind) int {
	switch kind {
	case errspkg.KindComponentNotFound:
		return http.StatusNotFound
	case errspkg.KindPreconditionFailed, errspkg.KindTransactionAborted:
		return http.StatusConflict
	case errspkg.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case errspkg.KindOperationNotSupported:
		return http.StatusNotImplemented
	case errspkg.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case errspkg.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func streamHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		_, data, err := conn.ReadMessage()
		if err == nil && len(data) > 0 {
			err = jsoncodec.Unmarshal(data, &req)
		}
		if err != nil {
			writeFrame(conn, Frame{Error: StatusFromError(errspkg.InvalidArgument("http.stream", "read request: %v", err))})
			return
		}
		req.Capability = chi.URLParam(r, "capability")
		req.Operation = chi.URLParam(r, "operation")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		// The peer only sends a close; any read result ends the stream.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		send := func(f Frame) error { return writeFrame(conn, f) }
		if err := s.ServeStream(ctx, req, send); err != nil {
			_ = writeFrame(conn, Frame{Error: StatusFromError(err)})
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	data, err := jsoncodec.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// HTTPChannel is a Channel to a Server reached over HTTP.
type HTTPChannel struct {
	base   *url.URL
	client *http.Client
	dialer *websocket.Dialer

	mu     sync.Mutex
	closed bool
}

// NewHTTPChannel targets the sidecar at address, for example
// "http://127.0.0.1:3500". A nil client selects a default one.
func NewHTTPChannel(address string, client *http.Client) (*HTTPChannel, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	base, err := url.Parse(strings.TrimRight(address, "/"))
	if err != nil {
		return nil, errspkg.InvalidArgument("http.channel", "parse address %q: %v", address, err)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPChannel{
		base:   base,
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Address returns the base URL of the remote server.
func (c *HTTPChannel) Address() string { return c.base.String() }

func (c *HTTPChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Call implements Channel.
func (c *HTTPChannel) Call(ctx context.Context, req Request) (Response, error) {
	if c.isClosed() {
		return Response{}, errspkg.BackendUnavailable(req.Method(), errspkg.ErrChannelClosed)
	}
	body, err := jsoncodec.Marshal(Request{Payload: req.Payload, Metadata: req.Metadata})
	if err != nil {
		return Response{}, errspkg.InvalidArgument(req.Method(), "encode request: %v", err)
	}
	target := fmt.Sprintf("%s%s/%s/%s", c.base, PathPrefix, url.PathEscape(req.Capability), url.PathEscape(req.Operation))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Response{}, errspkg.InvalidArgument(req.Method(), "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, transportError(ctx, req.Method(), err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, transportError(ctx, req.Method(), err)
	}
	var resp Response
	if err := jsoncodec.Unmarshal(data, &resp); err != nil {
		if httpResp.StatusCode >= http.StatusInternalServerError {
			return Response{}, errspkg.BackendUnavailable(req.Method(), fmt.Errorf("http %d", httpResp.StatusCode))
		}
		return Response{}, errspkg.Wrap(errspkg.KindInternal, req.Method(), fmt.Errorf("decode response (http %d): %w", httpResp.StatusCode, err))
	}
	return resp, nil
}

// Stream implements Channel over a websocket.
func (c *HTTPChannel) Stream(ctx context.Context, req Request) (<-chan Frame, error) {
	if c.isClosed() {
		return nil, errspkg.BackendUnavailable(req.Method(), errspkg.ErrChannelClosed)
	}
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + fmt.Sprintf("%s/stream/%s/%s", PathPrefix, req.Capability, req.Operation)

	conn, _, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, transportError(ctx, req.Method(), err)
	}
	if err := writeRequest(conn, Request{Payload: req.Payload, Metadata: req.Metadata}); err != nil {
		conn.Close()
		return nil, errspkg.BackendUnavailable(req.Method(), err)
	}

	frames := make(chan Frame)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	go func() {
		defer close(frames)
		defer stop()
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
					deliver(ctx, frames, Frame{Error: StatusFromError(errspkg.BackendUnavailable(req.Method(), err))})
				}
				return
			}
			var f Frame
			if err := jsoncodec.Unmarshal(data, &f); err != nil {
				deliver(ctx, frames, Frame{Error: StatusFromError(errspkg.Wrap(errspkg.KindInternal, req.Method(), err))})
				return
			}
			if !deliver(ctx, frames, f) || f.Error != nil {
				return
			}
		}
	}()
	return frames, nil
}

func deliver(ctx context.Context, frames chan<- Frame, f Frame) bool {
	select {
	case frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func writeRequest(conn *websocket.Conn, req Request) error {
	data, err := jsoncodec.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close marks the channel closed and drops idle connections.
func (c *HTTPChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.client.CloseIdleConnections()
	return nil
}

func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return contextError(op, ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errspkg.Wrap(errspkg.KindDeadlineExceeded, op, err)
	}
	return errspkg.BackendUnavailable(op, err)
}
