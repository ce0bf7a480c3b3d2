// Package drivers registers every built-in component type: state stores,
// bindings, secret stores and the pubsub backends.
package drivers

import (
	_ "github.com/drblury/outrigger/internal/runtime/bindings/cron"
	_ "github.com/drblury/outrigger/internal/runtime/bindings/httpbinding"
	_ "github.com/drblury/outrigger/internal/runtime/bindings/localstorage"
	_ "github.com/drblury/outrigger/internal/runtime/bindings/queue"
	_ "github.com/drblury/outrigger/internal/runtime/secretstores/localenv"
	_ "github.com/drblury/outrigger/internal/runtime/secretstores/localfile"
	_ "github.com/drblury/outrigger/internal/runtime/state/leveldb"
	_ "github.com/drblury/outrigger/internal/runtime/state/memory"
	_ "github.com/drblury/outrigger/internal/runtime/state/postgres"
	_ "github.com/drblury/outrigger/internal/runtime/state/redis"
	_ "github.com/drblury/outrigger/internal/runtime/state/sqlite"
	_ "github.com/drblury/outrigger/transport/transports"
)
