package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zerofleet/zerofleet/internal/actor"
	"github.com/zerofleet/zerofleet/internal/config"
	"github.com/zerofleet/zerofleet/internal/gamezero"
	"github.com/zerofleet/zerofleet/internal/mlxnet"
	"github.com/zerofleet/zerofleet/internal/ui/cli"
)

// runConsole is a thin interactive loop over a synchronous actor: type a
// move in the game's notation to play it, "genmove" to let the model search,
// "reset" to start over, "quit" to leave.
func runConsole(cfg *config.CoreConfig) error {
	env, err := gamezero.NewEnvironment(cfg.EnvName, cfg.EnvBoardSize)
	if err != nil {
		return err
	}
	network, err := mlxnet.Create(cfg, 0)
	if err != nil {
		return err
	}
	a := actor.New(cfg, env, uint64(time.Now().UnixNano()))
	if err := a.SetNetwork(network); err != nil {
		return err
	}

	printer := cli.NewPrinter(os.Stdout)
	printer.PrintBoard(env.String())
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		command := strings.TrimSpace(scanner.Text())
		switch command {
		case "":
			continue
		case "quit":
			return nil
		case "reset":
			a.Reset()
		case "genmove":
			action, err := a.Think(true)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			fmt.Printf("= %s\n", env.ActionString(action))
		default:
			action, err := env.ParseAction(command)
			if err != nil {
				fmt.Fprintf(os.Stderr, "? %v\n", err)
				continue
			}
			if !a.Act(action) {
				fmt.Fprintf(os.Stderr, "? illegal move %s\n", command)
				continue
			}
			a.ResetSearch()
		}
		printer.PrintBoard(env.String())
		if env.IsTerminal() {
			fmt.Printf("game over, score %g\n", env.EvalScore(false))
		}
	}
	return scanner.Err()
}
