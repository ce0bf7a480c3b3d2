// Package rpc is the transport layer between an application and its sidecar.
//
// Every interaction is a Request naming a capability and an operation. The
// same contract runs over an in-process Loopback channel and over HTTP, with
// websocket streams for operations that return many results.
package rpc

import (
	"context"
	"errors"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
)

// Capabilities exposed by the sidecar.
const (
	CapabilityState    = "state"
	CapabilityPubSub   = "pubsub"
	CapabilityBindings = "bindings"
	CapabilitySecrets  = "secrets"
	CapabilityActors   = "actors"
	CapabilityInvoke   = "invoke"
	CapabilityMetadata = "metadata"
	CapabilityHealth   = "health"
	// CapabilityApp is served by the application and called by the sidecar.
	CapabilityApp = "app"
)

// Request is one call across the boundary.
type Request struct {
	Capability string               `json:"capability"`
	Operation  string               `json:"operation"`
	Payload    []byte               `json:"payload,omitempty"`
	Metadata   metadatapkg.Metadata `json:"metadata,omitempty"`
}

// Method returns the "capability/operation" route of the request.
func (r Request) Method() string {
	return Method(r.Capability, r.Operation)
}

func (r Request) clone() Request {
	out := r
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	out.Metadata = r.Metadata.Clone()
	return out
}

// Method joins a capability and operation into a route key.
func Method(capability, operation string) string {
	return capability + "/" + operation
}

// Status is the wire form of a typed runtime error.
type Status struct {
	Kind      errspkg.Kind `json:"kind"`
	Op        string       `json:"op,omitempty"`
	Component string       `json:"component,omitempty"`
	Message   string       `json:"message"`
}

// Err converts the status back into a typed error with the same text.
func (s *Status) Err() error {
	if s == nil {
		return nil
	}
	kind := s.Kind
	if kind == errspkg.KindUnknown {
		kind = errspkg.KindInternal
	}
	return &errspkg.Error{Kind: kind, Op: s.Op, Component: s.Component, Message: s.Message}
}

// StatusFromError normalizes err for the wire. Unknown errors become Internal.
func StatusFromError(err error) *Status {
	if err == nil {
		return nil
	}
	var typed *errspkg.Error
	if errors.As(err, &typed) {
		msg := typed.Message
		if msg == "" && typed.Err != nil {
			msg = typed.Err.Error()
		}
		return &Status{Kind: typed.Kind, Op: typed.Op, Component: typed.Component, Message: msg}
	}
	kind := errspkg.KindOf(err)
	if kind == errspkg.KindUnknown {
		kind = errspkg.KindInternal
	}
	return &Status{Kind: kind, Message: err.Error()}
}

// Response answers a unary Request.
type Response struct {
	Payload  []byte               `json:"payload,omitempty"`
	Metadata metadatapkg.Metadata `json:"metadata,omitempty"`
	Error    *Status              `json:"error,omitempty"`
}

func (r Response) clone() Response {
	out := r
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Metadata != nil {
		out.Metadata = r.Metadata.Clone()
	}
	if r.Error != nil {
		status := *r.Error
		out.Error = &status
	}
	return out
}

// Frame is one element of a streamed response. A frame carrying Error is the
// last frame of its stream.
type Frame struct {
	Payload  []byte               `json:"payload,omitempty"`
	Metadata metadatapkg.Metadata `json:"metadata,omitempty"`
	Error    *Status              `json:"error,omitempty"`
}

// Channel carries requests to a Server, wherever it runs.
type Channel interface {
	Call(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan Frame, error)
	Close() error
}
