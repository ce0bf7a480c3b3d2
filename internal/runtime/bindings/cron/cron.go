// Package cron is the "bindings.cron" input binding. It emits an event on
// every tick of its schedule.
package cron

import (
	"context"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/drblury/outrigger/internal/runtime/bindings"
	"github.com/drblury/outrigger/internal/runtime/components"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
)

const ComponentType = "bindings.cron"

// Parser accepts standard five field specs, an optional leading seconds
// field and descriptors such as "@every 15s".
var Parser = robfig.NewParser(
	robfig.SecondOptional | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

func init() {
	components.Register(ComponentType, func(_ context.Context, spec components.Spec, deps components.Deps) (any, error) {
		schedule, err := spec.Metadata.Required("schedule")
		if err != nil {
			return nil, err
		}
		return New(schedule, deps.Logger)
	})
}

// Binding fires on a cron schedule. A failing handler is logged and the
// binding waits for the next tick.
type Binding struct {
	spec     string
	schedule robfig.Schedule
	logger   loggingpkg.ServiceLogger
	opts     []robfig.Option
}

func New(spec string, logger loggingpkg.ServiceLogger) (*Binding, error) {
	schedule, err := Parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	logger = loggingpkg.OrDiscard(logger)
	return &Binding{
		spec:     spec,
		schedule: schedule,
		logger:   logger,
		opts: []robfig.Option{
			robfig.WithParser(Parser),
			robfig.WithLogger(cronLogger{logger}),
			robfig.WithChain(robfig.SkipIfStillRunning(cronLogger{logger})),
		},
	}, nil
}

// Next returns the first tick after t.
func (b *Binding) Next(t time.Time) time.Time {
	return b.schedule.Next(t)
}

func (b *Binding) Read(ctx context.Context, handler bindings.Handler) error {
	c := robfig.New(b.opts...)
	c.Schedule(b.schedule, robfig.FuncJob(func() {
		now := time.Now().UTC()
		_, err := handler(ctx, bindings.ReadResponse{Metadata: map[string]string{
			"schedule":    b.spec,
			"readTimeUTC": now.Format(time.RFC3339),
		}})
		if err != nil {
			b.logger.Error("Cron handler failed, waiting for next tick", err, loggingpkg.LogFields{"schedule": b.spec})
		}
	}))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger routes robfig/cron logs into the service logger.
type cronLogger struct {
	log loggingpkg.ServiceLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, fields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, err, fields(keysAndValues))
}

func fields(kv []any) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
