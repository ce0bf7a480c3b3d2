package runtime

import (
	"context"
	"strings"

	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/bindings"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/rpc"
	"github.com/drblury/outrigger/internal/runtime/state"
	"github.com/drblury/outrigger/internal/runtime/tracing"
)

type empty struct{}

// registerCapabilities mounts every sidecar operation on the rpc server.
func (s *Service) registerCapabilities() {
	srv := s.server

	srv.Handle(rpc.CapabilityState, api.OpSaveState, rpc.JSONHandler(s.saveState))
	srv.Handle(rpc.CapabilityState, api.OpGetState, rpc.JSONHandler(s.getState))
	srv.Handle(rpc.CapabilityState, api.OpBulkGet, rpc.JSONHandler(s.bulkGetState))
	srv.HandleStream(rpc.CapabilityState, api.OpBulkGet, s.streamBulkGetState)
	srv.Handle(rpc.CapabilityState, api.OpDeleteState, rpc.JSONHandler(s.deleteState))
	srv.Handle(rpc.CapabilityState, api.OpTransaction, rpc.JSONHandler(s.transactState))

	srv.Handle(rpc.CapabilityPubSub, api.OpPublish, rpc.JSONHandler(s.publish))

	srv.Handle(rpc.CapabilityBindings, api.OpInvokeBinding, rpc.JSONHandler(s.invokeBinding))

	srv.Handle(rpc.CapabilitySecrets, api.OpGetSecret, rpc.JSONHandler(s.getSecret))
	srv.Handle(rpc.CapabilitySecrets, api.OpBulkGetSecret, rpc.JSONHandler(s.bulkGetSecret))

	srv.Handle(rpc.CapabilityInvoke, api.OpInvokeMethod, rpc.JSONHandler(s.invokeMethod))

	srv.Handle(rpc.CapabilityActors, api.OpInvokeActor, rpc.JSONHandler(s.invokeActor))
	srv.Handle(rpc.CapabilityActors, api.OpGetActorState, rpc.JSONHandler(s.getActorState))
	srv.Handle(rpc.CapabilityActors, api.OpRegisterTimer, rpc.JSONHandler(s.registerTimer))
	srv.Handle(rpc.CapabilityActors, api.OpUnregisterTimer, rpc.JSONHandler(s.unregisterTimer))
	srv.Handle(rpc.CapabilityActors, api.OpRegisterReminder, rpc.JSONHandler(s.registerReminder))
	srv.Handle(rpc.CapabilityActors, api.OpUnregisterReminder, rpc.JSONHandler(s.unregisterReminder))
	srv.Handle(rpc.CapabilityActors, api.OpGetReminder, rpc.JSONHandler(s.getReminder))

	srv.Handle(rpc.CapabilityMetadata, api.OpGetMetadata, rpc.JSONHandler(func(context.Context, empty, rpc.Request) (api.MetadataResponse, error) {
		return s.Metadata(), nil
	}))
	srv.Handle(rpc.CapabilityHealth, api.OpProbe, rpc.JSONHandler(func(context.Context, empty, rpc.Request) (api.HealthResponse, error) {
		return s.Health()
	}))
}

func (s *Service) saveState(ctx context.Context, in api.SaveStateRequest, _ rpc.Request) (empty, error) {
	return empty{}, s.state.Save(ctx, in.StoreName, in.Items...)
}

func (s *Service) getState(ctx context.Context, in api.GetStateRequest, _ rpc.Request) (state.GetResponse, error) {
	return s.state.Get(ctx, in.StoreName, in.Key)
}

func (s *Service) bulkGetState(ctx context.Context, in api.BulkGetStateRequest, _ rpc.Request) (api.BulkGetStateResponse, error) {
	items, err := s.state.BulkGet(ctx, in.StoreName, in.Keys, in.Parallelism)
	if err != nil {
		return api.BulkGetStateResponse{}, err
	}
	return api.BulkGetStateResponse{Items: items}, nil
}

// streamBulkGetState sends one frame per key, in key order.
func (s *Service) streamBulkGetState(ctx context.Context, req rpc.Request, send func(rpc.Frame) error) error {
	var in api.BulkGetStateRequest
	if err := rpc.Decode(req.Payload, &in); err != nil {
		return errspkg.InvalidArgument(req.Method(), "decode payload: %v", err)
	}
	items, err := s.state.BulkGet(ctx, in.StoreName, in.Keys, in.Parallelism)
	if err != nil {
		return err
	}
	for _, item := range items {
		payload, err := rpc.Encode(item)
		if err != nil {
			return err
		}
		if err := send(rpc.Frame{Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) deleteState(ctx context.Context, in api.DeleteStateRequest, _ rpc.Request) (empty, error) {
	return empty{}, s.state.Delete(ctx, in.StoreName, in.Key, in.ETag)
}

func (s *Service) transactState(ctx context.Context, in api.TransactionRequest, _ rpc.Request) (empty, error) {
	return empty{}, s.state.Transact(ctx, in.StoreName, in.Operations)
}

func (s *Service) publish(ctx context.Context, in api.PublishRequest, _ rpc.Request) (api.PublishResponse, error) {
	id, err := s.pubsub.Publish(ctx, in)
	if err != nil {
		return api.PublishResponse{}, err
	}
	return api.PublishResponse{ID: id}, nil
}

func (s *Service) invokeBinding(ctx context.Context, in api.BindingRequest, _ rpc.Request) (bindings.InvokeResponse, error) {
	md := tracing.Inject(ctx, metadatapkg.Metadata(in.Metadata).Clone())
	return s.bindings.Invoke(ctx, in.Name, bindings.InvokeRequest{
		Operation: in.Operation,
		Data:      in.Data,
		Metadata:  md,
	})
}

func (s *Service) getSecret(ctx context.Context, in api.GetSecretRequest, _ rpc.Request) (map[string]string, error) {
	return s.secrets.Get(ctx, in.StoreName, in.Key)
}

func (s *Service) bulkGetSecret(ctx context.Context, in api.BulkGetSecretRequest, _ rpc.Request) (map[string]map[string]string, error) {
	return s.secrets.BulkGet(ctx, in.StoreName)
}

// invokeMethod serves the local application and forwards calls for other
// app ids to their sidecar as listed in the manifest.
func (s *Service) invokeMethod(ctx context.Context, in api.InvokeRequest, _ rpc.Request) (api.InvokeResponse, error) {
	const op = "invoke.method"
	if strings.TrimSpace(in.Method) == "" {
		return api.InvokeResponse{}, errspkg.InvalidArgument(op, "method is required")
	}
	in.Metadata = tracing.Inject(ctx, metadatapkg.Metadata(in.Metadata).Clone())

	if in.AppID == "" || in.AppID == s.Conf.AppID {
		if s.app == nil {
			return api.InvokeResponse{}, errspkg.New(errspkg.KindComponentNotFound, op, "app %q has no app channel", s.Conf.AppID)
		}
		return s.app.Invoke(ctx, in)
	}
	for _, peer := range s.Manifest.Apps {
		if peer.AppID == in.AppID {
			return s.peers.invokeRemote(ctx, peer.Address, in)
		}
	}
	return api.InvokeResponse{}, errspkg.ComponentNotFound("apps", in.AppID)
}

func (s *Service) invokeActor(ctx context.Context, in api.InvokeActorRequest, _ rpc.Request) (actors.Response, error) {
	rt, err := s.requireActors("actors.invoke")
	if err != nil {
		return actors.Response{}, err
	}
	return rt.Invoke(ctx, actors.Call{
		Ref:      in.Ref,
		Kind:     in.Kind,
		Name:     in.Method,
		Data:     in.Data,
		Metadata: metadatapkg.Metadata(in.Metadata),
	})
}

func (s *Service) getActorState(ctx context.Context, in api.ActorStateRequest, _ rpc.Request) (api.ActorStateResponse, error) {
	rt, err := s.requireActors("actors.get_state")
	if err != nil {
		return api.ActorStateResponse{}, err
	}
	value, found, err := rt.GetState(ctx, in.Ref, in.Key)
	return api.ActorStateResponse{Value: value, Found: found}, err
}

func (s *Service) registerTimer(ctx context.Context, in api.TimerRequest, _ rpc.Request) (empty, error) {
	rt, err := s.requireActors("actors.register_timer")
	if err != nil {
		return empty{}, err
	}
	return empty{}, rt.RegisterTimer(ctx, in.Ref, in.Timer)
}

func (s *Service) unregisterTimer(ctx context.Context, in api.UnregisterRequest, _ rpc.Request) (empty, error) {
	rt, err := s.requireActors("actors.unregister_timer")
	if err != nil {
		return empty{}, err
	}
	return empty{}, rt.UnregisterTimer(ctx, in.Ref, in.Name)
}

func (s *Service) registerReminder(ctx context.Context, in api.ReminderRequest, _ rpc.Request) (empty, error) {
	rt, err := s.requireActors("actors.register_reminder")
	if err != nil {
		return empty{}, err
	}
	return empty{}, rt.RegisterReminder(ctx, in.Ref, in.Reminder)
}

func (s *Service) unregisterReminder(ctx context.Context, in api.UnregisterRequest, _ rpc.Request) (empty, error) {
	rt, err := s.requireActors("actors.unregister_reminder")
	if err != nil {
		return empty{}, err
	}
	return empty{}, rt.UnregisterReminder(ctx, in.Ref, in.Name)
}

func (s *Service) getReminder(ctx context.Context, in api.UnregisterRequest, _ rpc.Request) (api.GetReminderResponse, error) {
	rt, err := s.requireActors("actors.get_reminder")
	if err != nil {
		return api.GetReminderResponse{}, err
	}
	rem, found, err := rt.GetReminder(ctx, in.Ref, in.Name)
	return api.GetReminderResponse{Reminder: rem, Found: found}, err
}
