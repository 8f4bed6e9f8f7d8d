package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simple64/netplay-relay/internal/admin"
	"github.com/simple64/netplay-relay/internal/cli"
	"github.com/simple64/netplay-relay/internal/config"
	"github.com/simple64/netplay-relay/internal/motd"
	"github.com/simple64/netplay-relay/internal/relay"
	"github.com/simple64/netplay-relay/internal/telemetry"
	"github.com/simple64/netplay-relay/internal/transport"
)

const (
	defaultPort        = 6400
	defaultMOTDMessage = "welcome to the netplay relay"
	motdFetchTimeout   = 5 * time.Second
)

// bridgeManager starts and stops the WebSocket bridge in response to
// config.Watcher's hot-reloaded websocket.enabled toggle, since the bridge
// isn't part of the errgroup's fixed startup set like the admin server.
type bridgeManager struct {
	addr   string
	onConn func(net.Conn)
	logger logr.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (m *bridgeManager) setEnabled(ctx context.Context, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enabled == (m.cancel != nil) {
		return
	}

	if !enabled {
		m.cancel()
		m.cancel = nil
		return
	}

	bctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	bridge := transport.NewBridge(m.addr, m.onConn, m.logger)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := bridge.Start(bctx); err != nil {
			m.logger.Error(err, "websocket bridge stopped")
		}
	}()
}

// stop disables the bridge if running and waits for its goroutine to exit.
func (m *bridgeManager) stop() {
	m.setEnabled(context.Background(), false)
	m.wg.Wait()
}

func newZap(logPath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if logPath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}
	return cfg.Build() //nolint:wrapcheck
}

func main() {
	configPath := flag.String("config", "", "Path to config.yaml")
	adminAddr := flag.String("admin-addr", "", "Bind address for the read-only admin HTTP status endpoint")
	motdURL := flag.String("motd-url", "", "URL to fetch an optional message-of-the-day from at startup")
	autolag := flag.Bool("autolag", false, "Enable automatic input-lag adjustment")
	mqttBroker := flag.String("mqtt-broker", "", "MQTT broker URL to publish lifecycle telemetry to")
	logPath := flag.String("log-path", "", "Write logs to this file in addition to stderr")
	flag.Parse()

	port := defaultPort
	if flag.NArg() > 0 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", flag.Arg(0), err)
			os.Exit(1)
		}
		port = p
	}

	cfg, v, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if *configPath != "" {
		// the positional file picked up by config.Load already covers
		// "." and "config/"; an explicit --config path overrides both.
		v.SetConfigFile(*configPath)
		_ = v.ReadInConfig()
	}

	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *motdURL != "" {
		cfg.MOTDURL = *motdURL
	}
	if *autolag {
		cfg.Autolag = true
	}
	if *mqttBroker != "" {
		cfg.MQTTBroker = *mqttBroker
	}
	if *logPath != "" {
		cfg.LogPath = *logPath
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapLog, err := newZap(cfg.LogPath)
	if err != nil {
		log.Panic(err)
	}
	logger := zapr.NewLogger(zapLog)

	instanceID := uuid.NewString()
	logger = logger.WithValues("instance", instanceID)

	message := motd.FetchWithTimeout(cfg.MOTDURL, defaultMOTDMessage, motdFetchTimeout, logger)
	logger.Info("motd", "message", message)

	srv := relay.NewServer(logger, cfg.Autolag)

	tel, err := telemetry.NewPublisher(cfg.MQTTBroker, logger)
	if err != nil {
		logger.Error(err, "mqtt telemetry disabled")
	}
	srv.SetTelemetry(tel)

	actualPort, err := srv.Open(port)
	if err != nil {
		logger.Error(err, "could not open listener")
		os.Exit(1)
	}
	logger.Info("listening", "port", actualPort)
	fmt.Println("successfully finished startup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// runCtx is a child of ctx and the parent of errgroup's own gctx. The
	// relay loop returning for any reason - not just an error, also the
	// normal in-process teardown after a player quits mid-game - cancels
	// runCtx via cancelRun below, which in turn cancels gctx and unblocks
	// every other subsystem waiting on it.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)

	bm := &bridgeManager{addr: cfg.WebsocketAddr, onConn: srv.AcceptConn, logger: logger}
	bm.setEnabled(gctx, cfg.WebsocketBridge)
	defer bm.stop()

	_ = config.NewWatcher(cfg, v, func(updated config.Config) {
		srv.SetAutolag(updated.Autolag)
		bm.setEnabled(gctx, updated.WebsocketBridge)
	})

	if cfg.AdminAddr != "" {
		adminSrv := admin.NewServer(cfg.AdminAddr, srv, logger)
		g.Go(func() error {
			if err := adminSrv.Start(gctx); err != nil {
				logger.Error(err, "admin server stopped")
			}
			return nil
		})
	}

	if tel != nil {
		g.Go(func() error {
			return tel.Run(gctx)
		})
	}

	ticker := cli.NewTicker(srv, 0)
	g.Go(func() error {
		return ticker.Run(gctx)
	})

	g.Go(func() error {
		defer cancelRun()
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(err, "exiting with error")
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
