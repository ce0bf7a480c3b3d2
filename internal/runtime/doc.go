/*
Package runtime is the sidecar: it loads the component manifest, serves the
capability API to the application and delivers subscriptions, input bindings
and actor turns back to it.

# Architecture Overview

The Service owns the component table built from the manifest. Every
capability (state, pubsub, bindings, secrets, invoke, actors, metadata) is a
set of rpc handlers registered on one rpc.Server, which is reachable over the
in-process loopback channel or over HTTP and WebSocket.

Subscriptions run on a Watermill router. Each subscription gets its own
handler with the outcome, retry and recoverer middlewares; the router
middlewares wrap all of them.

# Package Structure

## Core Service (service.go)

  - Component table and dependency ordering
  - rpc server, HTTP handler and metrics servers
  - Application channel and app config discovery
  - Start, readiness and Close

## Subscriptions (subscriptions.go, hooks.go, dlq_metrics.go)

  - CloudEvents envelope, TTL expiry and attempt counting
  - Retry with backoff, dead letter topics and DLQ counters
  - Delivery hooks around every delivery

## Middleware (middleware.go)

  - CorrelationID
  - LogMessages
  - Tracer
  - Metrics
  - DeliveryHooks
  - Recoverer

## Actors (actor_runtime.go, peers.go)

Wires the actors package to the state store and to peer sidecars for
placement forwarding.

## Stats & Monitoring (models.go, resources.go, metadata_api.go)

Per-subscription latency and throughput, process resource usage and the
metadata capability.

# Sub-packages

  - actors/: activation, turns, timers, reminders and placement
  - api/: capability request and response types
  - app/: application side server and the sidecar's caller
  - bindings/: cron, queue, http and localstorage bindings
  - client/: application client for the capability API
  - cloudevents/: envelope and handler outcomes
  - components/: component registry
  - config/: sidecar config and manifest
  - drivers/: blank imports of every bundled driver
  - errors/: error kinds and sentinels
  - handlers/: typed JSON and protobuf event handlers
  - pubsub/: pubsub components over the transport registry
  - rpc/: envelope, server, loopback and HTTP channels
  - secretstores/: env and file secret stores
  - state/: state engine and drivers
  - tracing/: span helpers

# Usage Example

	manifest, err := config.LoadManifest("components.yaml")
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(ctx, config.Config{AppAddress: "http://localhost:8080"}, manifest, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	go svc.ListenAndServe(ctx)
	return svc.Start(ctx)
*/
package runtime
