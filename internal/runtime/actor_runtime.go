package runtime

import (
	"context"
	"errors"

	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/components"
	configpkg "github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	"github.com/drblury/outrigger/internal/runtime/state"
)

var errNoActorRuntime = errors.New("actors are not enabled: no actor host and no actor state store")

// startActors builds the actor runtime once the hosted types are known.
// Actors run in the in-process host when one was given, in the application
// otherwise. Without an actor state store the actors capability stays
// unavailable.
func (s *Service) startActors(ctx context.Context, types []string) error {
	var invoker actors.Invoker
	switch {
	case s.host != nil:
		invoker = s.host
		types = s.host.Types()
	case s.app != nil && len(types) > 0:
		invoker = s.app
	default:
		return nil
	}

	storeName := s.Conf.ActorStateStore
	if storeName == "" {
		name, ok := s.state.ActorStore()
		if !ok {
			s.Logger.Info("Actor types declared but no actor state store configured", loggingpkg.LogFields{"actor_types": types})
			return nil
		}
		storeName = name
	}
	store, err := components.Resolve[state.Store](s.table, configpkg.KindState, storeName)
	if err != nil {
		return err
	}

	cfg := actors.Config{
		AppID:        s.Conf.AppID,
		Store:        store,
		StoreName:    storeName,
		Invoker:      invoker,
		Types:        types,
		IdleTimeout:  s.Conf.ActorIdleTimeout,
		ScanInterval: s.Conf.ActorScanInterval,
		TurnTimeout:  s.Conf.ActorTurnTimeout,
		Logger:       s.Logger,
	}
	if len(s.Conf.PlacementHosts) > 0 {
		cfg.Placement = actors.NewPlacement(s.Conf.AdvertiseAddress, s.Conf.PlacementHosts, 0)
		cfg.Forwarder = s.peers
	}
	rt, err := actors.NewRuntime(cfg)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		_ = rt.Stop(context.Background())
		return err
	}

	s.actorsMu.Lock()
	s.actors = rt
	s.actorsMu.Unlock()
	s.Logger.Info("Actor runtime started", loggingpkg.LogFields{
		"actor_types": rt.Types(),
		"state_store": storeName,
	})
	return nil
}

func (s *Service) actorRuntime() *actors.Runtime {
	s.actorsMu.RLock()
	defer s.actorsMu.RUnlock()
	return s.actors
}

func (s *Service) requireActors(op string) (*actors.Runtime, error) {
	if rt := s.actorRuntime(); rt != nil {
		return rt, nil
	}
	return nil, errspkg.Wrap(errspkg.KindComponentNotFound, op, errNoActorRuntime)
}
