// Package transports registers every built-in pubsub backend. The sidecar
// imports it so each backend is available as component type "pubsub.<name>".
package transports

import (
	_ "github.com/drblury/outrigger/transport/aws"
	_ "github.com/drblury/outrigger/transport/channel"
	_ "github.com/drblury/outrigger/transport/http"
	_ "github.com/drblury/outrigger/transport/io"
	_ "github.com/drblury/outrigger/transport/jetstream"
	_ "github.com/drblury/outrigger/transport/kafka"
	_ "github.com/drblury/outrigger/transport/nats"
	_ "github.com/drblury/outrigger/transport/postgres"
	_ "github.com/drblury/outrigger/transport/rabbitmq"
	_ "github.com/drblury/outrigger/transport/sqlite"
)
