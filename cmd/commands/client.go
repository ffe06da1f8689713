package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/overseer/clients/ws"
	"github.com/dohr-michael/overseer/internal/config"
	"github.com/dohr-michael/overseer/internal/secrets"
)

const callTimeout = 30 * time.Second

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// resolveSecret decrypts value when it is sealed, loading the age key only
// in that case.
func resolveSecret(value string) (string, error) {
	var sealer *secrets.Sealer
	if secrets.IsSealed(value) {
		s, err := secrets.OpenSealer(secrets.KeyPath())
		if err != nil {
			return "", err
		}
		sealer = s
	}
	return sealer.Resolve(value)
}

// gatewayEndpoint returns the WebSocket URL and bearer token, preferring
// flags over the config file.
func gatewayEndpoint(cmd *cli.Command) (string, string, error) {
	url, token := cmd.String("gateway"), cmd.String("token")
	if url != "" && token != "" {
		return url, token, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", "", err
	}
	if url == "" {
		url = "ws://" + cfg.Gateway.Addr() + "/api/ws"
	}
	if token == "" {
		token, err = resolveSecret(cfg.Gateway.Token)
		if err != nil {
			return "", "", fmt.Errorf("gateway token: %w", err)
		}
	}
	return url, token, nil
}

func dialGateway(ctx context.Context, cmd *cli.Command) (*wsclient.Client, error) {
	url, token, err := gatewayEndpoint(cmd)
	if err != nil {
		return nil, err
	}
	client, err := wsclient.Dial(ctx, url, token)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway (is `overseer serve` running?): %w", err)
	}
	return client, nil
}

// callGateway runs one gateway command on a short-lived connection.
func callGateway(ctx context.Context, cmd *cli.Command, method string, params map[string]string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	client, err := dialGateway(ctx, cmd)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return client.Call(method, params)
}

// gatewaySpec describes a subcommand that forwards to one gateway command.
type gatewaySpec struct {
	name   string
	usage  string
	method string
	// args are positional parameter names; a "?" suffix marks an optional
	// one. The last arg takes the remaining words.
	args  []string
	flags []cli.Flag // string flags, forwarded under their snake_case name
	fixed map[string]string
}

func (s gatewaySpec) command() *cli.Command {
	var argsUsage []string
	for _, a := range s.args {
		if name, ok := strings.CutSuffix(a, "?"); ok {
			argsUsage = append(argsUsage, "["+name+"]")
			continue
		}
		argsUsage = append(argsUsage, "<"+a+">")
	}
	return &cli.Command{
		Name:      s.name,
		Usage:     s.usage,
		ArgsUsage: strings.Join(argsUsage, " "),
		Flags:     s.flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			params, err := s.params(cmd.Args().Slice(), func(name string) (string, bool) {
				if !cmd.IsSet(name) {
					return "", false
				}
				return cmd.String(name), true
			})
			if err != nil {
				return err
			}
			out, err := callGateway(ctx, cmd, s.method, params)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

// params maps positional args and set flags onto gateway parameters.
func (s gatewaySpec) params(args []string, flag func(name string) (string, bool)) (map[string]string, error) {
	params := make(map[string]string, len(s.args)+len(s.flags)+len(s.fixed))
	for i, a := range s.args {
		name, optional := strings.CutSuffix(a, "?")
		if i >= len(args) {
			if optional {
				continue
			}
			return nil, fmt.Errorf("missing argument <%s> for %s", name, s.name)
		}
		if i == len(s.args)-1 {
			params[name] = strings.Join(args[i:], " ")
			break
		}
		params[name] = args[i]
	}
	for _, f := range s.flags {
		name := f.Names()[0]
		if v, ok := flag(name); ok {
			params[strings.ReplaceAll(name, "-", "_")] = v
		}
	}
	for k, v := range s.fixed {
		params[k] = v
	}
	return params, nil
}

// parseKeyValues turns key=value arguments into gateway parameters.
func parseKeyValues(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q: want key=value", arg)
		}
		params[k] = v
	}
	return params, nil
}

func printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func stringFlag(name, usage string) cli.Flag {
	return &cli.StringFlag{Name: name, Usage: usage}
}
