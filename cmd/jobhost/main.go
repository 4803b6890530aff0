package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobhost/internal/app"
	"jobhost/internal/config"
	"jobhost/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		printConfig bool
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "path to config json/yaml (empty runs the built-in defaults)")
	flag.BoolVar(&printConfig, "print-config", false, "print the default config in the format of -config and exit")
	flag.DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	if printConfig {
		out, err := config.Marshal(cfgPath, config.Default())
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx := context.Background()
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		a.Logger().Error("some tasks failed to start", logx.Err(err))
	}

	sig := <-sigCh
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "second signal, exiting now")
		os.Exit(2)
	}()
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, app.ReasonForSignal(sig)); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		os.Exit(1)
	}
}
