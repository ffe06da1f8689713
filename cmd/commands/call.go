package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// NewCallCommand returns the call subcommand: a raw gateway command invocation.
func NewCallCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Invoke any gateway command with key=value parameters",
		ArgsUsage: "<command> [key=value ...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return fmt.Errorf("usage: overseer call <command> [key=value ...]")
			}
			params, err := parseKeyValues(args[1:])
			if err != nil {
				return err
			}
			out, err := callGateway(ctx, cmd, args[0], params)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}
