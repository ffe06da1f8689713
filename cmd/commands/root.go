package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/overseer/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "overseer",
		Usage: "Task orchestration and safety governance for worker fleets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "Gateway WebSocket URL (default: derived from config)",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Gateway bearer token (default: gateway.token from config)",
				Sources: cli.EnvVars("OVERSEER_TOKEN"),
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewStatusCommand(),
			NewWatchCommand(),
			NewCallCommand(),
			NewTasksCommand(),
			NewConvoysCommand(),
			NewApprovalsCommand(),
			NewBudgetCommand(),
			NewAgentsCommand(),
			NewRollbackCommand(),
			NewSecretCommand(),
		},
	}
}
