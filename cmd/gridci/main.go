package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/gridci/internal/app"
	"github.com/vk/gridci/internal/cli"
)

// main is the entrypoint for the gridci binary.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	code, err := run(os.Stdout, os.Stderr, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

// run encapsulates the main application logic for easier testing and error
// handling.
func run(outW, errW io.Writer, args []string) (int, error) {
	appConfig, shouldExit, err := cli.Parse(args, errW)
	if err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			return exitErr.Code, exitErr
		}
		return 2, err
	}
	if shouldExit {
		return 0, nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gridciApp := app.NewApp(outW, errW, appConfig)
	return gridciApp.Run(ctx)
}
