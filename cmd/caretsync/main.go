// Package main is the entry point for the caretsync daemon.
//
// The daemon keeps a text-cursor position consistent with one peer over a
// local network link. One side listens on the rendezvous port, the other
// dials it; each side reports its host editor's caret movements and applies
// the peer's. This binary drives the engine with a stdio host adapter,
// useful for manual testing and for editors that integrate over a pipe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dshills/caretsync/internal/config"
	"github.com/dshills/caretsync/internal/discovery"
	"github.com/dshills/caretsync/internal/engine"
	"github.com/dshills/caretsync/internal/journal"
	"github.com/dshills/caretsync/internal/link"
	"github.com/dshills/caretsync/internal/metrics"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()
	if opts.showVersion {
		fmt.Printf("caretsync %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	opts.apply(&cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	log, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	sessionID := uuid.NewString()[:8]
	log = log.With(zap.String("session", sessionID))
	log.Info("starting caretsync",
		zap.String("version", version),
		zap.String("mode", cfg.Mode),
		zap.String("addr", cfg.Addr))

	// In dial mode with discovery enabled and no peer configured, find the
	// listener on the LAN first.
	if cfg.Mode == config.ModeDial && cfg.Addr == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		addr, derr := discovery.FindPeer(ctx, log)
		cancel()
		if derr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", derr)
			return 1
		}
		cfg.Addr = addr
	}

	var jrnl *journal.Journal
	if cfg.Journal != "" {
		jrnl, err = journal.Open(cfg.Journal)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer jrnl.Close()

		if last, ok, _ := jrnl.Latest(); ok {
			log.Info("last synchronized position",
				zap.String("file", last.File),
				zap.Int("line", last.Line),
				zap.Int("character", last.Character))
		}
	}

	mset := metrics.NewSet()
	if cfg.MetricsAddr != "" {
		go func() {
			if merr := mset.Serve(cfg.MetricsAddr); merr != nil {
				log.Warn("metrics endpoint stopped", zap.Error(merr))
			}
		}()
	}

	host := newStdioHost(os.Stdout)

	engOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(mset),
	}
	if jrnl != nil {
		engOpts = append(engOpts, engine.WithJournal(jrnl))
	}

	eng := engine.New(
		engine.Config{
			LocalSource: cfg.Source,
			PeerSource:  cfg.PeerSource,
			DedupWindow: time.Duration(cfg.DedupWindowMS) * time.Millisecond,
			GuardGrace:  time.Duration(cfg.GuardGraceMS) * time.Millisecond,
			GuardLimit:  time.Duration(cfg.GuardLimitMS) * time.Millisecond,
		},
		host,
		link.Config{
			Mode:             linkMode(cfg.Mode),
			Addr:             cfg.Addr,
			Path:             cfg.Path,
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond,
			InitialBackoff:   time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:       time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		},
		engOpts...,
	)
	defer eng.Close()

	var announcer *discovery.Announcer
	if cfg.Mode == config.ModeListen && cfg.Discovery {
		if announcer, err = discovery.Announce(sessionID, portOf(cfg.Addr), log); err != nil {
			log.Warn("mdns announce failed", zap.Error(err))
		} else {
			defer announcer.Shutdown()
		}
	}

	if err := eng.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	go logStatus(eng, log)

	// Drive the stdio host until EOF or an interrupt.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		host.readLoop(os.Stdin, eng)
	}()

	select {
	case <-signals:
		log.Info("interrupted, shutting down")
	case <-done:
		log.Info("input closed, shutting down")
	}
	eng.Disconnect()
	return 0
}

// logStatus reports connection transitions for the user.
func logStatus(eng *engine.Engine, log *zap.Logger) {
	for st := range eng.Events() {
		switch st.State {
		case link.StateOpen:
			log.Info("connected to peer")
		case link.StateConnecting:
			if st.Attempt > 0 {
				log.Info("reconnecting", zap.Int("attempt", st.Attempt))
			} else {
				log.Info("waiting for peer")
			}
		case link.StateClosed:
			log.Warn("disconnected", zap.Error(st.Err))
		case link.StateIdle:
			log.Info("sync stopped")
		}
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	// Stdout belongs to the host protocol; logs go to stderr.
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func linkMode(mode string) link.Mode {
	if mode == config.ModeDial {
		return link.ModeDial
	}
	return link.ModeListen
}

// portOf extracts the numeric port from a bind address for mDNS
// registration. A malformed address falls back to the default port.
func portOf(addr string) int {
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err == nil && port > 0 {
				return port
			}
			break
		}
	}
	return config.DefaultPort
}

type flagOptions struct {
	configPath  string
	mode        string
	addr        string
	journalPath string
	metricsAddr string
	logLevel    string
	discover    bool
	showVersion bool
}

func parseFlags() flagOptions {
	var opts flagOptions
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.mode, "mode", "", `Role: "listen" or "dial"`)
	flag.StringVar(&opts.addr, "addr", "", "Bind address (listen) or peer address (dial)")
	flag.StringVar(&opts.journalPath, "journal", "", "Path to the position journal")
	flag.StringVar(&opts.metricsAddr, "metrics", "", "Expose Prometheus metrics on this address")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.discover, "discover", false, "Use mDNS to announce or find the peer")
	flag.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	flag.Parse()
	return opts
}

// apply layers non-blank flag values over the file configuration.
func (o flagOptions) apply(cfg *config.Config) {
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if o.addr != "" {
		cfg.Addr = o.addr
	}
	if o.journalPath != "" {
		cfg.Journal = o.journalPath
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.discover {
		cfg.Discovery = true
	}
}
