package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream"
	"github.com/jpalmerr/pingstream/check"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	// start mock server (see mock_server.go)
	go StartMockServer(":9999", logger.Named("mock"))
	time.Sleep(100 * time.Millisecond)

	m, err := pingstream.New(
		pingstream.WithTitle("pingstream demo"),
		pingstream.WithTargets(
			"http://localhost:9999/users",
			"http://localhost:9999/orders",
			"http://localhost:9999/slow",
			"https://api.github.com",
		),
		pingstream.WithInterval(2*time.Second),
		pingstream.WithListen(":8080"),
		pingstream.WithLogger(logger),
		pingstream.WithResultCallback(func(r check.Result) {
			if !r.OK() {
				logger.Warn("target_down", zap.String("url", r.URL), zap.String("error", r.Error))
			}
		}),
	)
	if err != nil {
		logger.Error("failed to create monitor", zap.Error(err))
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   pingstream demo                                     ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Open http://localhost:8080 in your browser          ║")
	fmt.Println("  ║   or run: pingstream watch                            ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Targets:                                            ║")
	fmt.Println("  ║   • 2 flaky mocks (flip every 10-30s)                 ║")
	fmt.Println("  ║   • 1 slow mock (always times out)                    ║")
	fmt.Println("  ║   • 1 external (GitHub)                               ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		logger.Error("monitor error", zap.Error(err))
		os.Exit(1)
	}
}
