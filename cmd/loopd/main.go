package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"loopd/internal/cli"
)

var version = "dev"

var CLI struct {
	Version kong.VersionFlag
	cli.Globals `embed:""`

	Serve   cli.ServeCmd   `cmd:"" help:"Run the reminder daemon."`
	List    cli.ListCmd    `cmd:"" help:"List loops."`
	Add     cli.AddCmd     `cmd:"" help:"Create a loop."`
	Edit    cli.EditCmd    `cmd:"" help:"Change a loop."`
	Enable  cli.EnableCmd  `cmd:"" help:"Enable a loop."`
	Disable cli.DisableCmd `cmd:"" help:"Disable a loop."`
	Delete  cli.DeleteCmd  `cmd:"" help:"Delete a loop and its history."`
	Done    cli.DoneCmd    `cmd:"" help:"Mark a loop done."`
	Skip    cli.SkipCmd    `cmd:"" help:"Skip a loop."`
	History cli.HistoryCmd `cmd:"" help:"Show a loop's response history."`
	Sync    cli.SyncCmd    `cmd:"" help:"Run the daily sync now."`
	Status  cli.StatusCmd  `cmd:"" help:"Show daemon status."`
	Secret  struct {
		Set    cli.SecretSetCmd    `cmd:"" help:"Store a secret in the OS keyring."`
		Delete cli.SecretDeleteCmd `cmd:"" help:"Remove a secret from the OS keyring."`
	} `cmd:"" help:"Manage keyring secrets."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("loopd"),
		kong.Description("Recurring reminder daemon"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	err := ctx.Run(cli.NewContext(CLI.Globals, os.Stdout, os.Stdin))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
