package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/overseer/internal/config"
	"github.com/dohr-michael/overseer/internal/secrets"
)

// NewSecretCommand returns the secret subcommand.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage age-sealed values (gateway token and other .env secrets)",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Create the age key if missing and print its public key",
				Action: func(_ context.Context, _ *cli.Command) error {
					sealer, err := secrets.EnsureSealer(secrets.KeyPath())
					if err != nil {
						return err
					}
					fmt.Printf("key:       %s\n", secrets.KeyPath())
					fmt.Printf("recipient: %s\n", sealer.Recipient())
					return nil
				},
			},
			{
				Name:      "seal",
				Usage:     "Print the sealed form of a value",
				ArgsUsage: "[value]",
				Action: func(_ context.Context, cmd *cli.Command) error {
					sealed, err := sealArg(cmd.Args().First())
					if err != nil {
						return err
					}
					fmt.Println(sealed)
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "Seal a value and store it in the .env file",
				ArgsUsage: "<NAME> [value]",
				Action: func(_ context.Context, cmd *cli.Command) error {
					name := cmd.Args().First()
					if name == "" {
						return fmt.Errorf("usage: overseer secret set <NAME> [value]")
					}
					sealed, err := sealArg(cmd.Args().Get(1))
					if err != nil {
						return err
					}
					if err := secrets.SetEntry(config.DotenvPath(), name, sealed); err != nil {
						return err
					}
					fmt.Printf("%s stored in %s\n", name, config.DotenvPath())
					return nil
				},
			},
		},
	}
}

// sealArg seals value, prompting for it without echo when it is empty.
func sealArg(value string) (string, error) {
	if value == "" {
		v, err := readSecret("Value: ")
		if err != nil {
			return "", err
		}
		value = v
	}
	if value == "" {
		return "", fmt.Errorf("empty value")
	}
	sealer, err := secrets.EnsureSealer(secrets.KeyPath())
	if err != nil {
		return "", err
	}
	return sealer.Seal(value)
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read value: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read value: %w", err)
	}
	return string(b), nil
}
