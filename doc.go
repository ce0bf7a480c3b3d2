// Package outrigger is a sidecar runtime that gives application processes
// uniform access to state stores, pub/sub brokers, bindings, secret stores,
// service invocation and virtual actors. Applications talk to the sidecar
// through Client; the sidecar calls back into the application through App.
//
// The sidecar (Service) reads a component manifest, builds every declared
// component once and serves the capability API over an in-process Loopback
// channel or HTTP. Pub/sub backends are Watermill transports registered as
// component types "pubsub.<name>":
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats / nats-jetstream: NATS core and JetStream
//   - http: Request/response messaging
//   - io: File-based persistence
//   - sqlite / postgres: Embedded and SQL queues with delayed messages
//
// State stores: state.in-memory, state.sqlite, state.postgres, state.leveldb
// and state.redis. Bindings: bindings.localstorage, bindings.http,
// bindings.cron and bindings.queue. Secret stores: secretstores.local.env and
// secretstores.local.file.
//
// # Subscriptions
//
// Subscriptions come from the manifest or from the topic handlers the
// application registers on App. Each delivery passes the router middleware
// chain (correlation ID, message logging, tracing, Prometheus metrics,
// delivery hooks, panic recovery) and then the per-subscription retry and
// dead-letter handling. A handler returning ErrSkip drops the event, ErrDeadLetter
// moves it to the subscription's dead letter topic and any other error is
// retried with exponential backoff.
//
// # Actors
//
// Actors are addressed by ActorRef and activated on first use. Each
// activation runs one turn at a time; state written during a turn commits
// when the turn succeeds. Reminders are durable, timers are not. Actors run in
// the sidecar process through an ActorHost or in the application by passing
// the host to App.HostActors.
package outrigger
