package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"backtest", "run one backtest and print its result", runBacktest},
	{"optimize", "grid-search strategy parameters", runOptimize},
	{"montecarlo", "resample backtest trades", runMonteCarlo},
	{"schedule", "run configured sweeps on their cron schedules", runSchedule},
	{"migrate", "apply or roll back database migrations", runMigrate},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name := os.Args[1]
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		if err := cmd.run(ctx, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "qlab %s: %v\n", name, err)
			stop()
			os.Exit(1)
		}
		return
	}

	if name != "-h" && name != "--help" && name != "help" {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
	}
	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: qlab <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", cmd.name, cmd.usage)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'qlab <command> -h' for command flags.")
}
