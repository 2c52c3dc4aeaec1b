package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/idbroker/idbroker/internal/service"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/charmbracelet/huh"
	"github.com/mdp/qrterminal/v3"
	"github.com/pquerna/otp/totp"
	"github.com/traefik/paerser/cli"
)

type GenerateTotpConfig struct {
	Interactive  bool   `description:"Generate a TOTP secret interactively."`
	DatabasePath string `description:"The path to the database file."`
	Organization string `description:"Organization slug the user belongs to."`
	Email        string `description:"Email of the user to enroll."`
	Issuer       string `description:"Issuer shown in the authenticator app."`
}

func NewGenerateTotpConfig() *GenerateTotpConfig {
	return &GenerateTotpConfig{
		DatabasePath: "./idbroker.db",
		Organization: service.DefaultOrganization,
		Issuer:       "idbroker",
	}
}

func totpCmd() *cli.Command {
	cmd := &cli.Command{
		Name:          "totp",
		Description:   "Manage TOTP second factors",
		Configuration: nil,
		Resources:     nil,
	}

	cmd.Run = func(_ []string) error {
		return cli.PrintHelp(os.Stdout, cmd)
	}

	return cmd
}

func generateTotpCmd() *cli.Command {
	tCfg := NewGenerateTotpConfig()

	loaders := []cli.ResourceLoader{
		&cli.FlagLoader{},
	}

	return &cli.Command{
		Name:          "generate",
		Description:   "Generate and store a TOTP secret for a local user",
		Configuration: tCfg,
		Resources:     loaders,
		Run: func(_ []string) error {
			tlog.NewSimpleLogger().Init()

			if tCfg.Interactive {
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewInput().Title("Organization").Value(&tCfg.Organization),
						huh.NewInput().Title("Email").Value(&tCfg.Email).Validate(notEmpty("email")),
					),
				)

				if err := form.WithTheme(huh.ThemeBase()).Run(); err != nil {
					return fmt.Errorf("failed to run interactive prompt: %w", err)
				}
			}

			if tCfg.Email == "" {
				return errors.New("email cannot be empty")
			}

			ctx := context.Background()

			queries, closeDB, err := openQueries(tCfg.DatabasePath)

			if err != nil {
				return err
			}

			defer closeDB()

			org, err := service.NewClientService(service.ClientServiceConfig{}, queries).GetOrganization(ctx, tCfg.Organization)

			if err != nil {
				return err
			}

			identity := service.NewIdentityService(service.IdentityServiceConfig{}, queries)

			user, err := identity.FindByEmail(ctx, org.ID, tCfg.Email)

			if err != nil {
				return fmt.Errorf("failed to find user: %w", err)
			}

			if user.TotpSecret != "" {
				return errors.New("user already has a TOTP secret")
			}

			key, err := totp.Generate(totp.GenerateOpts{
				Issuer:      tCfg.Issuer,
				AccountName: tCfg.Email,
			})

			if err != nil {
				return fmt.Errorf("failed to generate TOTP secret: %w", err)
			}

			if err := identity.SetTotpSecret(ctx, user.ID, key.Secret()); err != nil {
				return fmt.Errorf("failed to store TOTP secret: %w", err)
			}

			tlog.App.Info().Str("secret", key.Secret()).Msg("Generated TOTP secret")

			qrterminal.GenerateWithConfig(key.URL(), qrterminal.Config{
				Level:     qrterminal.L,
				Writer:    os.Stdout,
				BlackChar: qrterminal.BLACK,
				WhiteChar: qrterminal.WHITE,
				QuietZone: 2,
			})

			tlog.App.Info().Str("user_id", user.ID).Msg("Scan the code with your authenticator app, the next login will ask for a code")

			return nil
		},
	}
}
