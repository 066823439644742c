// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshdial/meshdial/internal/config"
	"github.com/meshdial/meshdial/internal/identity"
	"github.com/meshdial/meshdial/internal/server"
	"github.com/meshdial/meshdial/internal/store"
	"github.com/meshdial/meshdial/internal/util"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	showVersion = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshdial v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve requires a data directory")
			fmt.Fprintln(os.Stderr, "Usage: meshdial serve <data-dir>")
			os.Exit(1)
		}
		runServe(args[1])

	case "initconfig":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: initconfig requires a data directory")
			fmt.Fprintln(os.Stderr, "Usage: meshdial initconfig <data-dir>")
			os.Exit(1)
		}
		if err := config.Save(args[1], config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", filepath.Join(args[1], "config.json"))

	case "hashtoken":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: hashtoken requires a token")
			fmt.Fprintln(os.Stderr, "Usage: meshdial hashtoken <token>")
			os.Exit(1)
		}
		hash, err := identity.HashToken(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runServe(dir string) {
	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		os.Exit(1)
	}

	if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}

	st, err := store.Open(dir, storeOptions(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	provider, closeProvider, err := buildProvider(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: identity provider: %v\n", err)
		os.Exit(1)
	}
	defer closeProvider()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, st, provider)
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: start server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("meshdial serving on %s (data: %s)\n", cfg.Server.Bind, dir)
	<-ctx.Done()
	fmt.Println("shutting down")
}

func storeOptions(cfg config.Config) store.Options {
	return store.Options{
		OnlineWindow:      secs(cfg.Presence.OnlineWindowSec),
		Retention:         secs(cfg.Presence.RetentionSec),
		CoordinatorWindow: secs(cfg.Presence.CoordinatorWindowSec),
		ChannelTTL:        secs(cfg.Channels.TTLSec),
		ChannelCap:        cfg.Channels.Cap,
		ChannelTrimTo:     cfg.Channels.TrimTo,
	}
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func buildProvider(dir string, cfg config.Config) (identity.Provider, func(), error) {
	switch cfg.Identity.Mode {
	case "remote":
		return identity.NewRemoteProvider(cfg.Identity.RemoteURL, cfg.Identity.RemoteToken),
			func() {}, nil
	default:
		local, err := identity.NewLocalProvider(util.ResolvePath(dir, cfg.Identity.CredentialsFile))
		if err != nil {
			return nil, nil, err
		}
		return local, func() { _ = local.Close() }, nil
	}
}

func showUsage() {
	fmt.Println(`meshdial: presence and signaling coordination for peer networks

Usage:
  meshdial serve <data-dir>       Run the coordination service
  meshdial initconfig <data-dir>  Write a default config.json
  meshdial hashtoken <token>      Print the bcrypt hash for credentials.json
  meshdial -version               Show version

The data directory holds config.json, credentials.json and the SQLite
database. See config.json for tunables (windows, coordinator bounds, rate
limits, log level).`)
}
