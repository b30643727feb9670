// Command pthreadd runs a thread runtime with its operator endpoints.
//
// Without -wasm it runs a built-in workload that exercises thread creation,
// joins, main function calls and proxied calls. With -wasm it runs the
// given WebAssembly module's entry routine as the first thread.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxorio/pthreads/pkg/core"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	fs := flag.NewFlagSet("pthreadd", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (.yaml, .json or .toml)")
	wasmPath := fs.String("wasm", "", "WebAssembly module to run instead of the built-in workload")
	entry := fs.String("entry", "", "routine to start the wasm module with")
	arg := fs.Uint64("arg", 0, "argument passed to the first threads")
	threads := fs.Int("threads", 0, "number of built-in workload threads")
	once := fs.Bool("once", false, "exit when the workload finishes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pthreadd: %v\n", err)
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "wasm":
			cfg.Wasm.Path = *wasmPath
		case "entry":
			cfg.Wasm.Entry = *entry
		case "arg":
			cfg.Workload.Arg = *arg
		case "threads":
			cfg.Workload.Threads = *threads
		case "once":
			cfg.Workload.Once = *once
		}
	})

	logger, err := core.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pthreadd: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("pthreadd: %v", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func run(ctx context.Context, cfg *AppConfig, logger core.Logger) (int, error) {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return 1, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(closeCtx)
	}()

	return a.run(ctx)
}
