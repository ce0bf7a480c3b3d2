package client

import (
	"context"

	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/api"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	"github.com/drblury/outrigger/internal/runtime/rpc"
)

func validRef(op string, ref actors.Ref) error {
	switch {
	case ref.Type == "":
		return errspkg.Wrap(errspkg.KindInvalidArgument, op, errspkg.ErrActorTypeRequired)
	case ref.ID == "":
		return errspkg.Wrap(errspkg.KindInvalidArgument, op, errspkg.ErrActorIDRequired)
	}
	return nil
}

// InvokeActor runs method on the actor ref and returns its reply. The actor
// is activated on its first call.
func (c *Client) InvokeActor(ctx context.Context, ref actors.Ref, method string, data []byte) ([]byte, error) {
	if err := validRef("actors.invoke", ref); err != nil {
		return nil, err
	}
	var out actors.Response
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityActors, api.OpInvokeActor, api.InvokeActorRequest{
		Ref:    ref,
		Method: method,
		Data:   data,
	}, &out, nil)
	return out.Data, err
}

// GetActorState reads a committed state key of ref.
func (c *Client) GetActorState(ctx context.Context, ref actors.Ref, key string) ([]byte, bool, error) {
	if err := validRef("actors.get_state", ref); err != nil {
		return nil, false, err
	}
	var out api.ActorStateResponse
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityActors, api.OpGetActorState, api.ActorStateRequest{Ref: ref, Key: key}, &out, nil)
	return out.Value, out.Found, err
}

func (c *Client) RegisterActorTimer(ctx context.Context, ref actors.Ref, timer actors.Timer) error {
	if err := validRef("actors.register_timer", ref); err != nil {
		return err
	}
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityActors, api.OpRegisterTimer, api.TimerRequest{Ref: ref, Timer: timer}, nil, nil)
	return err
}

func (c *Client) UnregisterActorTimer(ctx context.Context, ref actors.Ref, name string) error {
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityActors, api.OpUnregisterTimer, api.UnregisterRequest{Ref: ref, Name: name}, nil, nil)
	return err
}

// RegisterActorReminder stores a durable reminder. Reminders survive
// deactivation of the actor.
func (c *Client) RegisterActorReminder(ctx context.Context, ref actors.Ref, reminder actors.Reminder) error {
	if err := validRef("actors.register_reminder", ref); err != nil {
		return err
	}
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityActors, api.OpRegisterReminder, api.ReminderRequest{Ref: ref, Reminder: reminder}, nil, nil)
	return err
}

func (c *Client) UnregisterActorReminder(ctx context.Context, ref actors.Ref, name string) error {
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityActors, api.OpUnregisterReminder, api.UnregisterRequest{Ref: ref, Name: name}, nil, nil)
	return err
}

func (c *Client) GetActorReminder(ctx context.Context, ref actors.Ref, name string) (actors.Reminder, bool, error) {
	var out api.GetReminderResponse
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityActors, api.OpGetReminder, api.UnregisterRequest{Ref: ref, Name: name}, &out, nil)
	return out.Reminder, out.Found, err
}

// ActorProxy binds a client to one actor instance.
type ActorProxy struct {
	client *Client
	ref    actors.Ref
}

// Actor returns a proxy for the actor of actorType and id.
func (c *Client) Actor(actorType, id string) ActorProxy {
	return ActorProxy{client: c, ref: actors.Ref{Type: actorType, ID: id}}
}

func (p ActorProxy) Ref() actors.Ref { return p.ref }

// Call encodes in as JSON, runs method and decodes the reply into out. in
// and out may be nil.
func (p ActorProxy) Call(ctx context.Context, method string, in, out any) error {
	var data []byte
	if in != nil {
		var err error
		if data, err = jsoncodec.Marshal(in); err != nil {
			return errspkg.InvalidArgument("actors.invoke", "encode argument: %v", err)
		}
	}
	reply, err := p.client.InvokeActor(ctx, p.ref, method, data)
	if err != nil {
		return err
	}
	if out == nil || len(reply) == 0 {
		return nil
	}
	if err := jsoncodec.Unmarshal(reply, out); err != nil {
		return errspkg.Wrap(errspkg.KindInternal, "actors.invoke", err)
	}
	return nil
}

// ActorBackend lets an actors.Host running in the application read committed
// state and schedule timers and reminders through the sidecar:
//
//	host.Attach(c.ActorBackend())
//	a.HostActors(host)
func (c *Client) ActorBackend() actors.Backend {
	return actorBackend{c: c}
}

type actorBackend struct {
	c *Client
}

func (b actorBackend) GetState(ctx context.Context, ref actors.Ref, key string) ([]byte, bool, error) {
	return b.c.GetActorState(ctx, ref, key)
}

func (b actorBackend) RegisterTimer(ctx context.Context, ref actors.Ref, t actors.Timer) error {
	return b.c.RegisterActorTimer(ctx, ref, t)
}

func (b actorBackend) UnregisterTimer(ctx context.Context, ref actors.Ref, name string) error {
	return b.c.UnregisterActorTimer(ctx, ref, name)
}

func (b actorBackend) RegisterReminder(ctx context.Context, ref actors.Ref, rem actors.Reminder) error {
	return b.c.RegisterActorReminder(ctx, ref, rem)
}

func (b actorBackend) UnregisterReminder(ctx context.Context, ref actors.Ref, name string) error {
	return b.c.UnregisterActorReminder(ctx, ref, name)
}
