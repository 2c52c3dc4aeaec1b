package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/traefik/paerser/cli"
)

type healthzResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func healthcheckCmd() *cli.Command {
	return &cli.Command{
		Name:          "healthcheck",
		Description:   "Check that a running idbroker can reach its database",
		Configuration: nil,
		Resources:     nil,
		AllowArg:      true,
		Run: func(args []string) error {
			tlog.NewSimpleLogger().Init()

			appUrl := os.Getenv(config.DefaultNamePrefix + "APPURL")

			if len(args) > 0 {
				appUrl = args[0]
			}

			if appUrl == "" {
				return fmt.Errorf("%sAPPURL is not set and no argument was provided", config.DefaultNamePrefix)
			}

			healthURL := strings.TrimSuffix(appUrl, "/") + "/api/healthz"

			tlog.App.Info().Str("url", healthURL).Msg("Performing health check")

			client := http.Client{
				Timeout: 30 * time.Second,
			}

			resp, err := client.Get(healthURL)

			if err != nil {
				return fmt.Errorf("failed to perform request: %w", err)
			}

			defer resp.Body.Close()

			var health healthzResponse

			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return errors.New("idbroker is not healthy: " + health.Message)
			}

			tlog.App.Info().Int("status", health.Status).Str("message", health.Message).Msg("idbroker is healthy")

			return nil
		},
	}
}
