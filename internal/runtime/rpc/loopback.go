package rpc

import (
	"context"
	"sync"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
)

const defaultLoopbackQueue = 64

type loopbackCall struct {
	ctx    context.Context
	req    Request
	reply  chan Response
	frames chan Frame
}

// Loopback is an in-process Channel. Requests are copied onto a queue and
// served by a dispatcher goroutine, so caller and server never share buffers.
type Loopback struct {
	server *Server
	queue  chan loopbackCall

	// mu orders enqueues before close so drain sees every queued call.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewLoopback starts a dispatcher for server. Close stops it.
func NewLoopback(server *Server) *Loopback {
	l := &Loopback{
		server: server,
		queue:  make(chan loopbackCall, defaultLoopbackQueue),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.dispatch()
	return l
}

func (l *Loopback) dispatch() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			l.drain()
			return
		case call := <-l.queue:
			l.wg.Add(1)
			go l.serve(call)
		}
	}
}

// drain fails calls that were queued when the channel closed.
func (l *Loopback) drain() {
	for {
		select {
		case call := <-l.queue:
			status := StatusFromError(errspkg.BackendUnavailable(call.req.Method(), errspkg.ErrChannelClosed))
			if call.frames == nil {
				call.reply <- Response{Error: status}
				continue
			}
			go func() {
				defer close(call.frames)
				select {
				case call.frames <- Frame{Error: status}:
				case <-call.ctx.Done():
				}
			}()
		default:
			return
		}
	}
}

func (l *Loopback) serve(call loopbackCall) {
	defer l.wg.Done()
	if call.frames == nil {
		resp := l.server.Serve(call.ctx, call.req)
		call.reply <- resp.clone()
		return
	}

	defer close(call.frames)
	send := func(f Frame) error {
		select {
		case call.frames <- cloneFrame(f):
			return nil
		case <-call.ctx.Done():
			return call.ctx.Err()
		}
	}
	if err := l.server.ServeStream(call.ctx, call.req, send); err != nil {
		select {
		case call.frames <- Frame{Error: StatusFromError(err)}:
		case <-call.ctx.Done():
		}
	}
}

func (l *Loopback) enqueue(ctx context.Context, call loopbackCall) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errspkg.BackendUnavailable(call.req.Method(), errspkg.ErrChannelClosed)
	}
	select {
	case l.queue <- call:
		return nil
	case <-ctx.Done():
		return contextError(call.req.Method(), ctx.Err())
	}
}

// Call implements Channel.
func (l *Loopback) Call(ctx context.Context, req Request) (Response, error) {
	call := loopbackCall{ctx: ctx, req: req.clone(), reply: make(chan Response, 1)}
	if err := l.enqueue(ctx, call); err != nil {
		return Response{}, err
	}
	select {
	case resp := <-call.reply:
		return resp, nil
	case <-ctx.Done():
		return Response{}, contextError(req.Method(), ctx.Err())
	}
}

// Stream implements Channel. The returned channel is closed after the last
// frame, or when ctx ends.
func (l *Loopback) Stream(ctx context.Context, req Request) (<-chan Frame, error) {
	call := loopbackCall{ctx: ctx, req: req.clone(), frames: make(chan Frame)}
	if err := l.enqueue(ctx, call); err != nil {
		return nil, err
	}
	return call.frames, nil
}

// Close stops accepting requests and waits for in-flight ones.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

func cloneFrame(f Frame) Frame {
	out := f
	if f.Payload != nil {
		out.Payload = append([]byte(nil), f.Payload...)
	}
	if f.Metadata != nil {
		out.Metadata = f.Metadata.Clone()
	}
	return out
}

func contextError(op string, err error) error {
	if err == context.DeadlineExceeded {
		return errspkg.Wrap(errspkg.KindDeadlineExceeded, op, err)
	}
	return errspkg.Wrap(errspkg.KindBackendUnavailable, op, err)
}
