package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/traefik/paerser/cli"
)

var clientNamePattern = regexp.MustCompile("^[a-zA-Z0-9-]+$")

type CreateClientConfig struct {
	Interactive  bool   `description:"Create a client interactively."`
	Name         string `description:"Client name, used as the configuration key."`
	RedirectURI  string `description:"Exact redirect URI of the client."`
	Organization string `description:"Owning organization slug."`
	Scopes       string `description:"Comma separated allowed scopes."`
	WebhookURL   string `description:"Optional webhook URL."`
}

func NewCreateClientConfig() *CreateClientConfig {
	return &CreateClientConfig{
		Organization: "default",
		Scopes:       "openid,profile,email",
	}
}

func clientCmd() *cli.Command {
	cmd := &cli.Command{
		Name:          "client",
		Description:   "Manage client applications",
		Configuration: nil,
		Resources:     nil,
	}

	cmd.Run = func(_ []string) error {
		return cli.PrintHelp(os.Stdout, cmd)
	}

	return cmd
}

func createClientCmd() *cli.Command {
	tCfg := NewCreateClientConfig()

	loaders := []cli.ResourceLoader{
		&cli.FlagLoader{},
	}

	return &cli.Command{
		Name:          "create",
		Description:   "Generate credentials for a new client application",
		Configuration: tCfg,
		Resources:     loaders,
		Run: func(_ []string) error {
			if tCfg.Interactive {
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewInput().Title("Client name").Value(&tCfg.Name).Validate(validateClientName),
						huh.NewInput().Title("Redirect URI").Value(&tCfg.RedirectURI).Validate(validateRedirectURI),
						huh.NewInput().Title("Organization").Value(&tCfg.Organization),
						huh.NewInput().Title("Allowed scopes (comma separated)").Value(&tCfg.Scopes),
						huh.NewInput().Title("Webhook URL (optional)").Value(&tCfg.WebhookURL),
					),
				)

				if err := form.WithTheme(huh.ThemeBase()).Run(); err != nil {
					return fmt.Errorf("failed to run interactive prompt: %w", err)
				}
			}

			if err := validateClientName(tCfg.Name); err != nil {
				return err
			}

			if err := validateRedirectURI(tCfg.RedirectURI); err != nil {
				return err
			}

			clientID := uuid.NewString()

			clientSecret, err := utils.GenerateToken(32)

			if err != nil {
				return fmt.Errorf("failed to generate client secret: %w", err)
			}

			var webhookSecret string

			if tCfg.WebhookURL != "" {
				webhookSecret, err = utils.GenerateToken(32)

				if err != nil {
					return fmt.Errorf("failed to generate webhook secret: %w", err)
				}
			}

			fmt.Print(renderClient(tCfg, clientID, clientSecret, webhookSecret))
			return nil
		},
	}
}

func renderClient(cfg *CreateClientConfig, clientID, clientSecret, webhookSecret string) string {
	key := strings.ToLower(cfg.Name)
	envKey := config.DefaultNamePrefix + "CLIENTS_" + strings.ToUpper(cfg.Name) + "_"

	values := [][2]string{
		{"clientId", clientID},
		{"clientSecret", clientSecret},
		{"name", utils.Capitalize(key)},
		{"organization", cfg.Organization},
		{"redirectUri", cfg.RedirectURI},
		{"scopes", cfg.Scopes},
	}

	if cfg.WebhookURL != "" {
		values = append(values, [2]string{"webhookUrl", cfg.WebhookURL}, [2]string{"webhookSecret", webhookSecret})
	}

	builder := strings.Builder{}

	fmt.Fprintf(&builder, "Created credentials for client %s\n\n", cfg.Name)
	fmt.Fprintf(&builder, "Client ID: %s\n", clientID)
	fmt.Fprintf(&builder, "Client Secret: %s\n", clientSecret)

	if webhookSecret != "" {
		fmt.Fprintf(&builder, "Webhook Secret: %s\n", webhookSecret)
	}

	fmt.Fprint(&builder, "\nEnvironment variables:\n\n")

	for _, value := range values {
		fmt.Fprintf(&builder, "%s%s=%s\n", envKey, strings.ToUpper(value[0]), value[1])
	}

	fmt.Fprint(&builder, "\nCLI flags:\n\n")

	for _, value := range values {
		fmt.Fprintf(&builder, "--clients.%s.%s=%s\n", key, strings.ToLower(value[0]), value[1])
	}

	fmt.Fprintln(&builder, "\nThe secrets cannot be shown again, store them before closing this terminal.")

	return builder.String()
}

func validateClientName(name string) error {
	if !clientNamePattern.MatchString(name) {
		return errors.New("client name can only contain alphanumeric characters and hyphens")
	}
	return nil
}

func validateRedirectURI(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)

	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("redirect uri must be an absolute url")
	}

	if parsed.Fragment != "" {
		return errors.New("redirect uri must not contain a fragment")
	}

	return nil
}
