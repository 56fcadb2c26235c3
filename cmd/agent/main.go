package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chromebridge/relay/lib/agent"
	"github.com/chromebridge/relay/lib/whitelist"
)

func main() {
	relayURL := flag.String("relay", "", "Relay HTTP base URL (default: RELAY_URL or http://127.0.0.1:18792)")
	browserURL := flag.String("browser", "", "Browser debug HTTP base URL (default: BROWSER_URL or http://127.0.0.1:9222)")
	whitelistPath := flag.String("whitelist", "", "Path to auto-attach host whitelist file (default: WHITELIST_FILE; empty disables auto-attach)")
	flag.Parse()

	// Inputs
	if *relayURL == "" {
		*relayURL = strings.TrimSpace(os.Getenv("RELAY_URL"))
	}
	if *browserURL == "" {
		*browserURL = strings.TrimSpace(os.Getenv("BROWSER_URL"))
	}
	if *whitelistPath == "" {
		*whitelistPath = strings.TrimSpace(os.Getenv("WHITELIST_FILE"))
	}

	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wl *whitelist.List
	if *whitelistPath != "" {
		var err error
		wl, err = whitelist.Load(*whitelistPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed reading whitelist: %v\n", err)
			os.Exit(1)
		}
		if err := wl.Watch(ctx, slogger); err != nil {
			fmt.Fprintf(os.Stderr, "failed watching whitelist: %v\n", err)
			os.Exit(1)
		}
		slogger.Info("auto-attach whitelist loaded", "path", *whitelistPath, "suffixes", len(wl.Suffixes()))
	}

	a, err := agent.New(agent.Config{
		RelayURL:   *relayURL,
		BrowserURL: *browserURL,
		Whitelist:  wl,
	}, slogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build agent: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		slogger.Error("agent stopped", "err", err)
		os.Exit(1)
	}
	slogger.Info("agent stopped")
}
