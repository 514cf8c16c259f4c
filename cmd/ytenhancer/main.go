package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ytenhancer/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx)
		stopCancel()
		os.Exit(1)
	}

	// SIGUSR1 flips the settings panel.
	toggle := make(chan os.Signal, 1)
	signal.Notify(toggle, syscall.SIGUSR1)
	defer signal.Stop(toggle)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-a.Done():
			break loop
		case <-toggle:
			if s := a.Settings(); s != nil {
				fmt.Println("settings panel visible:", s.Toggle())
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
