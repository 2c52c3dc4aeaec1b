package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/idbroker/idbroker/internal/bootstrap"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/service"
	"github.com/idbroker/idbroker/internal/utils"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/charmbracelet/huh"
	"github.com/traefik/paerser/cli"
)

type CreateUserConfig struct {
	Interactive  bool   `description:"Create a user interactively."`
	DatabasePath string `description:"The path to the database file."`
	Organization string `description:"Organization slug the user belongs to."`
	Email        string `description:"Email address used to log in."`
	Password     string `description:"Password."`
	Name         string `description:"Display name."`
	BcryptCost   int    `description:"Work factor for the password hash."`
}

func NewCreateUserConfig() *CreateUserConfig {
	return &CreateUserConfig{
		DatabasePath: "./idbroker.db",
		Organization: service.DefaultOrganization,
		BcryptCost:   10,
	}
}

func userCmd() *cli.Command {
	cmd := &cli.Command{
		Name:          "user",
		Description:   "Manage local password users",
		Configuration: nil,
		Resources:     nil,
	}

	cmd.Run = func(_ []string) error {
		return cli.PrintHelp(os.Stdout, cmd)
	}

	return cmd
}

func createUserCmd() *cli.Command {
	tCfg := NewCreateUserConfig()

	loaders := []cli.ResourceLoader{
		&cli.FlagLoader{},
	}

	return &cli.Command{
		Name:          "create",
		Description:   "Create a local user in an organization",
		Configuration: tCfg,
		Resources:     loaders,
		Run: func(_ []string) error {
			tlog.NewSimpleLogger().Init()

			if tCfg.Interactive {
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewInput().Title("Organization").Value(&tCfg.Organization),
						huh.NewInput().Title("Email").Value(&tCfg.Email).Validate(notEmpty("email")),
						huh.NewInput().Title("Name").Value(&tCfg.Name),
						huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&tCfg.Password).Validate(notEmpty("password")),
					),
				)

				if err := form.WithTheme(huh.ThemeBase()).Run(); err != nil {
					return fmt.Errorf("failed to run interactive prompt: %w", err)
				}
			}

			if tCfg.Email == "" || tCfg.Password == "" {
				return errors.New("email and password cannot be empty")
			}

			ctx := context.Background()

			queries, closeDB, err := openQueries(tCfg.DatabasePath)

			if err != nil {
				return err
			}

			defer closeDB()

			org, err := service.NewClientService(service.ClientServiceConfig{}, queries).GetOrganization(ctx, tCfg.Organization)

			if err != nil {
				return fmt.Errorf("%w, start the broker once with the organization configured", err)
			}

			hash, err := utils.HashSecret(tCfg.Password, tCfg.BcryptCost)

			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}

			identity := service.NewIdentityService(service.IdentityServiceConfig{}, queries)

			user, err := identity.Create(ctx, org.ID, service.IdentityProfile{
				Email: tCfg.Email,
				Name:  tCfg.Name,
			}, hash)

			if err != nil {
				return err
			}

			tlog.App.Info().Str("user_id", user.ID).Str("organization", org.Slug).Msg("User created, use totp generate to enroll a second factor")

			return nil
		},
	}
}

func openQueries(databasePath string) (*repository.Queries, func(), error) {
	db, err := bootstrap.SetupDatabase(databasePath)

	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	return repository.New(db), func() { db.Close() }, nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		return nil
	}
}
