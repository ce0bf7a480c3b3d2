// Command outriggerd runs the sidecar next to one application.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	runtimepkg "github.com/drblury/outrigger/internal/runtime"
	"github.com/drblury/outrigger/internal/runtime/components"
	configpkg "github.com/drblury/outrigger/internal/runtime/config"
	_ "github.com/drblury/outrigger/internal/runtime/drivers"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	"github.com/drblury/outrigger/transport"
)

// Set via linker flags.
var gitCommit = ""

var (
	appIDFlag = &cli.StringFlag{
		Name:  "app-id",
		Usage: "id of the application served by this sidecar",
	}
	appAddressFlag = &cli.StringFlag{
		Name:  "app-address",
		Usage: "base URL of the application callback server",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "address of the sidecar API",
		Value: configpkg.DefaultListenAddress,
	}
	componentsFlag = &cli.StringFlag{
		Name:    "components",
		Aliases: []string{"c"},
		Usage:   "path of the component manifest",
	}
	callTimeoutFlag = &cli.DurationFlag{
		Name:  "call-timeout",
		Usage: "bound of every sidecar call",
		Value: configpkg.DefaultCallTimeout,
	}
	metricsPortFlag = &cli.IntFlag{
		Name:  "metrics-port",
		Usage: "serve Prometheus metrics on this port (0 disables)",
	}
	placementFlag = &cli.StringSliceFlag{
		Name:  "placement-host",
		Usage: "sidecar address taking part in actor placement (repeatable)",
	}
	advertiseFlag = &cli.StringFlag{
		Name:  "advertise",
		Usage: "address of this sidecar in the placement host list",
	}
	corsFlag = &cli.StringSliceFlag{
		Name:  "metadata-cors-origin",
		Usage: "origin allowed to read the metadata endpoint (repeatable)",
	}
	rpsFlag = &cli.Float64Flag{
		Name:  "max-rps",
		Usage: "requests per second allowed per calling app (0 disables)",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
		Value: "info",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "outriggerd",
		Usage:   "sidecar runtime for state, pub/sub, bindings, secrets and actors",
		Version: runtimepkg.Version + versionSuffix(),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the sidecar",
				Flags:  []cli.Flag{appIDFlag, appAddressFlag, listenFlag, componentsFlag, callTimeoutFlag, metricsPortFlag, placementFlag, advertiseFlag, corsFlag, rpsFlag, logLevelFlag},
				Action: runSidecar,
			},
			{
				Name:   "validate",
				Usage:  "check a component manifest",
				Flags:  []cli.Flag{componentsFlag},
				Action: validateManifest,
			},
			{
				Name:   "components",
				Usage:  "list the built-in component types",
				Action: listComponents,
			},
		},
	}
}

func versionSuffix() string {
	if gitCommit == "" {
		return ""
	}
	return "-" + gitCommit
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) (loggingpkg.ServiceLogger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return loggingpkg.NewSlogServiceLogger(slog.New(handler)), nil
}

// configFromFlags layers explicitly set flags over OUTRIGGER_* variables.
func configFromFlags(c *cli.Context) configpkg.Config {
	conf := configpkg.Config{
		ListenAddress: c.String(listenFlag.Name),
		CallTimeout:   c.Duration(callTimeoutFlag.Name),
	}
	configpkg.ApplyEnvOverrides(&conf)

	if c.IsSet(appIDFlag.Name) {
		conf.AppID = c.String(appIDFlag.Name)
	}
	if c.IsSet(appAddressFlag.Name) {
		conf.AppAddress = c.String(appAddressFlag.Name)
	}
	if c.IsSet(listenFlag.Name) {
		conf.ListenAddress = c.String(listenFlag.Name)
	}
	if c.IsSet(componentsFlag.Name) {
		conf.ComponentsPath = c.String(componentsFlag.Name)
	}
	if c.IsSet(callTimeoutFlag.Name) {
		conf.CallTimeout = c.Duration(callTimeoutFlag.Name)
	}
	if port := c.Int(metricsPortFlag.Name); port > 0 {
		conf.MetricsEnabled = true
		conf.MetricsPort = port
	}
	conf.PlacementHosts = c.StringSlice(placementFlag.Name)
	conf.AdvertiseAddress = c.String(advertiseFlag.Name)
	conf.MetadataCORSAllowedOrigins = c.StringSlice(corsFlag.Name)
	conf.MaxRequestsPerSecond = c.Float64(rpsFlag.Name)
	return conf
}

func loadManifest(path string) (*configpkg.Manifest, error) {
	if path == "" {
		return nil, errors.New("a component manifest is required (--components or OUTRIGGER_COMPONENTS_PATH)")
	}
	return configpkg.LoadManifest(path)
}

func runSidecar(c *cli.Context) error {
	logger, err := newLogger(c.String(logLevelFlag.Name))
	if err != nil {
		return err
	}
	conf := configFromFlags(c)
	manifest, err := loadManifest(conf.ComponentsPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := runtimepkg.NewService(ctx, conf, manifest, logger, runtimepkg.ServiceDependencies{})
	if err != nil {
		return err
	}
	logger.Info("Starting sidecar", loggingpkg.LogFields{"config": svc.Conf.String()})

	errCh := make(chan error, 2)
	go func() { errCh <- svc.ListenAndServe(ctx) }()
	go func() { errCh <- svc.Start(ctx) }()

	err = <-errCh
	stop()
	err = errors.Join(err, <-errCh)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func validateManifest(c *cli.Context) error {
	path := c.String(componentsFlag.Name)
	if path == "" {
		path = os.Getenv("OUTRIGGER_COMPONENTS_PATH")
	}
	manifest, err := loadManifest(path)
	if err != nil {
		return err
	}
	var unknown []string
	for _, spec := range manifest.Components {
		if !knownType(spec.Type) {
			unknown = append(unknown, fmt.Sprintf("%s (%s)", spec.Name, spec.Type))
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown component types: %s", strings.Join(unknown, ", "))
	}
	fmt.Fprintf(c.App.Writer, "%s: %d components, %d subscriptions\n", path, len(manifest.Components), len(manifest.Subscriptions))
	return nil
}

func knownType(typ string) bool {
	if backend, ok := strings.CutPrefix(typ, configpkg.KindPubSub+"."); ok {
		return transport.DefaultRegistry.Has(backend)
	}
	return components.DefaultRegistry.Has(typ)
}

func listComponents(c *cli.Context) error {
	types := components.DefaultRegistry.Types()
	for _, name := range transport.DefaultRegistry.Names() {
		types = append(types, configpkg.KindPubSub+"."+name)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintln(c.App.Writer, t)
	}
	return nil
}
