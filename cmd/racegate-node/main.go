// Command racegate-node runs one race-timing node: role election, the
// coordinated clock, the UDP beacon transport, and (on the coordinator) the
// race aggregator and the browser push fan-out.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/alepez/racegate/app"
	racegateclock "github.com/alepez/racegate/clock"
	"github.com/alepez/racegate/common/log"
	"github.com/alepez/racegate/config"
	"github.com/alepez/racegate/metrics"
	"github.com/alepez/racegate/peripheral"
	"github.com/alepez/racegate/push"
	"github.com/alepez/racegate/transport"
	"github.com/alepez/racegate/wire"
)

// Automatically set through -ldflags, as in:
//
//	go install -ldflags "-X main.version=$(git describe --tags) -X main.gitCommit=$(git rev-parse HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	gitCommit = "none"
	buildDate = "unknown"
)

var tickPeriodFlag = &cli.DurationFlag{
	Name:  "tick-period",
	Value: 20 * time.Millisecond,
	Usage: "Role state machine tick period.",
}

func main() {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("racegate-node %s (built %s, commit %s)\n", version, buildDate, gitCommit)
	}

	application := &cli.App{
		Name:    "racegate-node",
		Usage:   "race-timing appliance node runtime",
		Version: version,
		Flags:   []cli.Flag{tickPeriodFlag},
		Action:  run,
	}

	if err := application.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "racegate-node:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.New(os.Stdout, log.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	log.ConfigureDefaultLogger(os.Stdout, log.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	logger.Infow("starting racegate-node", "version", version, "commit", gitCommit)

	dip := dipSwitch{}
	addr := dip.Address()
	if cfg.Address != nil {
		addr = *cfg.Address
	}
	logger.Infow("resolved node address", "address", addr)

	wifi := &wifiLink{up: true}
	if err := wifi.Setup(cfg.WiFi); err != nil {
		return fmt.Errorf("wifi setup: %w", err)
	}

	realClock := clockwork.NewRealClock()
	localClock := racegateclock.New(realClock)

	tr := transport.New(transport.Config{
		BindAddr:      cfg.BindAddr,
		BroadcastAddr: cfg.BroadcastAddr,
		Clock:         realClock,
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}

	hub := push.New(logger, realClock)
	go hub.Run()

	svc := app.Services{
		Address:   addr,
		Clock:     localClock,
		Transport: tr,
		Gate:      &gpioGate{},
		Button:    &gpioButton{},
		LED:       &rgbLED{},
		WiFi:      wifi,
		Publish:   hub.Publish,
		Log:       logger,
	}
	a := app.New(svc)

	httpServer := newHTTPServer(cfg.HTTPAddr, hub)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("http server stopped unexpectedly", "error", err)
		}
	}()

	fsmDone := runFSM(ctx, a, tickPeriodFromCLI(c))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	<-fsmDone

	var result *multierror.Error
	if err := httpServer.Shutdown(context.Background()); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}
	hub.Stop()
	if err := tr.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("transport shutdown: %w", err))
	}

	return result.ErrorOrNil()
}

func tickPeriodFromCLI(c *cli.Context) time.Duration {
	return c.Duration(tickPeriodFlag.Name)
}

// runFSM drives the state machine's Tick once per period until ctx is
// cancelled, and closes the returned channel once it has stopped.
func runFSM(ctx context.Context, a *app.App, period time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Tick()
				metrics.SetRoleState(a.State().Name(), []string{"Init", "CoordinatorReady", "GateStartup", "GateReady"})
			}
		}
	}()
	return done
}

func newHTTPServer(addr string, hub *push.Hub) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(handlers.CompressHandler)

	r.Get("/state", hub.ServeHTTP)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}

// dipSwitch is a stub DIP-switch reader: on real hardware this reads three
// GPIO pins and decodes (p2<<2)|(p1<<1)|p0. Here it defaults to the
// coordinator address; RACEGATE_NODE_ADDRESS is the normal way to override
// it off real hardware.
type dipSwitch struct{}

func (dipSwitch) Address() wire.NodeAddress { return wire.CoordinatorAddress }

type gpioGate struct{}

func (gpioGate) State() peripheral.GateActivation { return peripheral.GateInactive }

type gpioButton struct{}

func (gpioButton) State() peripheral.ButtonState { return peripheral.ButtonReleased }

type rgbLED struct{ color uint32 }

func (l *rgbLED) SetColor(rgb uint32) { l.color = rgb }

type wifiLink struct{ up bool }

func (w *wifiLink) Setup(peripheral.WiFiConfig) error { w.up = true; return nil }
func (w *wifiLink) IsUp() bool                        { return w.up }
func (w *wifiLink) Reconnect() error                  { w.up = true; return nil }
