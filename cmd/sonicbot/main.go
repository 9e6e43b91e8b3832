// Command sonicbot serves a browser voice assistant backed by Amazon Nova
// Sonic over WebRTC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/teslashibe/go-sonicbot/internal/config"
	"github.com/teslashibe/go-sonicbot/internal/log"
	"github.com/teslashibe/go-sonicbot/pkg/bot"
	"github.com/teslashibe/go-sonicbot/pkg/server"
)

type options struct {
	cfg        config.Config
	staticDir  string
	iceServers []string
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	opts := parseFlags()
	log.Init(opts.cfg.LogLevel)

	if err := opts.cfg.AWS.Validate(); err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srvOpts := []server.Option{
		server.WithAddr(opts.cfg.Addr()),
		server.WithLogger(log.Component("server")),
	}
	if opts.staticDir != "" {
		srvOpts = append(srvOpts, server.WithStaticDir(opts.staticDir))
	}
	if opts.iceServers != nil {
		srvOpts = append(srvOpts, server.WithICEServers(opts.iceServers...))
	}

	srv := server.New(bot.RunBot, srvOpts...)
	log.Info("sonicbot starting", "addr", srv.Addr(), "region", opts.cfg.AWS.Region)

	if err := srv.Run(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

// parseFlags builds the configuration from the environment and command line
// flags. Flags win.
func parseFlags() options {
	cfg := config.Load()

	host := flag.String("host", cfg.Host, "Host address for the signalling server")
	port := flag.Int("port", cfg.Port, "Port for the signalling server")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	static := flag.String("static", "", "Directory with a client UI to serve at /")
	ice := flag.String("ice", "", "Comma separated STUN/TURN URLs (empty uses the default STUN server)")
	flag.Parse()

	cfg.Host, cfg.Port = *host, *port
	if *verbose {
		cfg.LogLevel = "debug"
	}

	opts := options{cfg: cfg, staticDir: *static}
	if *ice != "" {
		for _, u := range strings.Split(*ice, ",") {
			if u = strings.TrimSpace(u); u != "" {
				opts.iceServers = append(opts.iceServers, u)
			}
		}
	}
	return opts
}
