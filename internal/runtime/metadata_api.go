package runtime

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/bindings"
	configpkg "github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	"github.com/drblury/outrigger/internal/runtime/pubsub"
	"github.com/drblury/outrigger/internal/runtime/state"
)

// Health status values.
const (
	HealthOK       = "ok"
	HealthStarting = "starting"
)

// Metadata describes the loaded components, the active subscriptions with
// their delivery counters, the active actors and the registered bindings.
func (s *Service) Metadata() api.MetadataResponse {
	out := api.MetadataResponse{
		AppID:          s.Conf.AppID,
		RuntimeVersion: Version,
		Components:     s.componentMetadata(),
		Subscriptions:  s.SubscriptionMetadata(),
		InputBindings:  s.bindings.Inputs(),
		OutputBindings: s.bindings.Outputs(),
		Extended:       s.extendedMetadata(),
	}
	if rt := s.actorRuntime(); rt != nil {
		counts := rt.ActiveCounts()
		for _, typ := range rt.Types() {
			out.Actors = append(out.Actors, api.ActorMetadata{Type: typ, Count: counts[typ]})
		}
	}
	return out
}

func (s *Service) componentMetadata() []api.ComponentMetadata {
	entries := s.table.Entries()
	out := make([]api.ComponentMetadata, 0, len(entries))
	for _, entry := range entries {
		cm := api.ComponentMetadata{
			Name:    entry.Spec.Name,
			Type:    entry.Spec.Type,
			Version: entry.Spec.Version,
		}
		switch inst := entry.Instance.(type) {
		case state.Store:
			for _, f := range inst.Features() {
				cm.Capabilities = append(cm.Capabilities, string(f))
			}
		case *pubsub.Component:
			caps := inst.Capabilities
			cm.Transport = &caps
		}
		if entry.Spec.Kind() == configpkg.KindBindings {
			if _, ok := entry.Instance.(bindings.InputBinding); ok {
				cm.Capabilities = append(cm.Capabilities, "INPUT_BINDING")
			}
			if _, ok := entry.Instance.(bindings.OutputBinding); ok {
				cm.Capabilities = append(cm.Capabilities, "OUTPUT_BINDING")
			}
		}
		out = append(out, cm)
	}
	return out
}

func (s *Service) extendedMetadata() map[string]string {
	usage := s.getResourceTracker().Snapshot()
	ext := map[string]string{
		"goroutines":   strconv.Itoa(usage.Goroutines),
		"memory_bytes": strconv.FormatUint(usage.MemoryBytes, 10),
		"cpu_percent":  strconv.FormatFloat(usage.CPUPercent, 'f', 2, 64),
		"gc_cycles":    strconv.FormatUint(usage.GCCycles, 10),
	}
	if peers := s.peers.Addresses(); len(peers) > 0 {
		ext["peers"] = strings.Join(peers, ",")
	}
	if dlq := s.dlq.Snapshot(); dlq.TotalDeadLettered > 0 {
		ext["dead_lettered"] = strconv.FormatUint(dlq.TotalDeadLettered, 10)
	}
	return ext
}

// Health reports ok once the component table is built and Start has wired
// the sidecar.
func (s *Service) Health() (api.HealthResponse, error) {
	if s.table == nil {
		return api.HealthResponse{}, errspkg.New(errspkg.KindBackendUnavailable, "health.probe", "components are not loaded")
	}
	if !s.Ready() {
		return api.HealthResponse{Status: HealthStarting}, nil
	}
	return api.HealthResponse{Status: HealthOK}, nil
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Health()
	status := http.StatusOK
	if err != nil || resp.Status != HealthOK {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
}

func (s *Service) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(s.Conf.MetadataCORSAllowedOrigins) > 0 {
		allowedOrigin := s.getAllowedCORSOrigin(r.Header.Get("Origin"))
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := jsoncodec.Encode(w, s.Metadata()); err != nil {
		s.Logger.Error("Failed to encode metadata", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.MetadataCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// ListenAndServe serves Handler on Conf.ListenAddress until ctx ends.
func (s *Service) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Conf.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("Serving sidecar API", loggingpkg.LogFields{"address": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
