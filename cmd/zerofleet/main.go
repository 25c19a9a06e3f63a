// zerofleet is the process entry point for the distributed trainer. It runs
// one of three modes: "sp" (a self-play worker scheduling parallel actors),
// "zero_server" (the coordinator), or "console" (interactive play against
// the current model).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"k8s.io/klog/v2"

	"github.com/zerofleet/zerofleet/internal/config"
	"github.com/zerofleet/zerofleet/internal/group"
	"github.com/zerofleet/zerofleet/internal/mlxnet"
	"github.com/zerofleet/zerofleet/internal/profilers"
	"github.com/zerofleet/zerofleet/internal/zeroserver"

	_ "github.com/zerofleet/zerofleet/internal/gamezero/tictactoe"
)

var (
	flagMode     = flag.String("mode", "console", "Run mode: console|sp|zero_server.")
	flagGen      = flag.String("gen", "", "Write the default configuration to this file and exit.")
	flagConfFile = flag.String("conf_file", "", "Load configuration from this file.")
	flagConfStr  = flag.String("conf_str", "", "Inline configuration overrides, \"k1=v1:k2=v2\".")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagGen != "" {
		if err := genConfiguration(*flagGen); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(-1)
		}
		return
	}

	cfg, err := config.Load(*flagConfFile, *flagConfStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	profilers.Setup(ctx)
	defer profilers.OnQuit()

	switch *flagMode {
	case "console":
		err = runConsole(cfg)
	case "sp":
		err = runSelfPlay(ctx, cfg)
	case "zero_server":
		err = runZeroServer(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *flagMode)
		os.Exit(-1)
	}
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func genConfiguration(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	return os.WriteFile(path, []byte(config.Default().Render()), 0o644)
}

func runSelfPlay(ctx context.Context, cfg *config.CoreConfig) error {
	g, err := group.New(cfg, group.Options{NewNetwork: mlxnet.Create})
	if err != nil {
		return err
	}
	err = g.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runZeroServer(ctx context.Context, cfg *config.CoreConfig) error {
	server, err := zeroserver.New(cfg)
	if err != nil {
		return err
	}
	err = server.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
