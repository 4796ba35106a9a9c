package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/canopy-network/permanode/app/permanode"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := permanode.Initialize(ctx)

	if err := app.Start(ctx); err != nil {
		os.Exit(1)
	}
}
