package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/idbroker/idbroker/internal/bootstrap"
	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/utils/loaders"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/rs/zerolog/log"
	"github.com/traefik/paerser/cli"
)

func main() {
	cfg := config.NewDefaultConfiguration()

	cmdIdbroker := &cli.Command{
		Name:          "idbroker",
		Description:   "An identity broker speaking OAuth2 to your apps and SAML, OAuth and eID to identity providers.",
		Configuration: cfg,
		Resources:     loaders.Default(),
		Run: func(_ []string) error {
			return runCmd(*cfg)
		},
	}

	// parent commands and the subcommands they dispatch to
	commands := []struct {
		cmd         *cli.Command
		subcommands []*cli.Command
	}{
		{cmd: versionCmd()},
		{cmd: healthcheckCmd()},
		{cmd: clientCmd(), subcommands: []*cli.Command{createClientCmd()}},
		{cmd: userCmd(), subcommands: []*cli.Command{createUserCmd()}},
		{cmd: totpCmd(), subcommands: []*cli.Command{generateTotpCmd()}},
	}

	for _, entry := range commands {
		for _, sub := range entry.subcommands {
			if err := entry.cmd.AddCommand(sub); err != nil {
				log.Fatal().Err(err).Str("command", entry.cmd.Name+" "+sub.Name).Msg("Failed to add command")
			}
		}

		if err := cmdIdbroker.AddCommand(entry.cmd); err != nil {
			log.Fatal().Err(err).Str("command", entry.cmd.Name).Msg("Failed to add command")
		}
	}

	if err := cli.Execute(cmdIdbroker); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}

func runCmd(cfg config.Config) error {
	tlog.NewLogger(cfg.Log).Init()

	tlog.App.Info().Str("version", config.Version).Msg("Starting idbroker")

	if cfg.AppURL == "" {
		return fmt.Errorf("app url is required, set %sAPPURL or --appurl", config.DefaultNamePrefix)
	}

	app := bootstrap.NewBootstrapApp(cfg)

	if err := app.Setup(); err != nil {
		return fmt.Errorf("failed to bootstrap app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}
