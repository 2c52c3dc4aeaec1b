// Package loaders feeds the paerser command configuration from a config
// file, command line flags and IDBROKER_ prefixed environment variables.
package loaders

import (
	"fmt"
	"os"
	"strings"

	"github.com/idbroker/idbroker/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/traefik/paerser/cli"
	"github.com/traefik/paerser/env"
	"github.com/traefik/paerser/file"
	"github.com/traefik/paerser/flag"
)

// paerser prefixes every parsed flag with its default root name
const configFileFlag = "traefik.experimental.configfile"

// Default returns the loaders in the order the root command applies them,
// later loaders override earlier ones
func Default() []cli.ResourceLoader {
	return []cli.ResourceLoader{
		&FileLoader{},
		&FlagLoader{},
		&EnvLoader{},
	}
}

type FileLoader struct{}

func (f *FileLoader) Load(args []string, cmd *cli.Command) (bool, error) {
	path, err := configFilePath(args, cmd)

	if err != nil {
		return false, err
	}

	if path == "" {
		return false, nil
	}

	log.Warn().Str("path", path).Msg("Loading configuration from file, the file format is experimental and may change")

	if err := file.Decode(path, cmd.Configuration); err != nil {
		return false, fmt.Errorf("failed to decode configuration file %s: %w", path, err)
	}

	return true, nil
}

func configFilePath(args []string, cmd *cli.Command) (string, error) {
	flags, err := flag.Parse(args, cmd.Configuration)

	if err != nil {
		return "", fmt.Errorf("failed to parse flags: %w", err)
	}

	for key, value := range flags {
		if strings.EqualFold(key, configFileFlag) {
			return value, nil
		}
	}

	return os.Getenv(config.DefaultNamePrefix + "EXPERIMENTAL_CONFIGFILE"), nil
}

type FlagLoader struct{}

func (*FlagLoader) Load(args []string, cmd *cli.Command) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	if err := flag.Decode(args, cmd.Configuration); err != nil {
		return false, fmt.Errorf("failed to decode configuration from flags: %w", err)
	}

	return true, nil
}

type EnvLoader struct{}

func (e *EnvLoader) Load(_ []string, cmd *cli.Command) (bool, error) {
	vars := env.FindPrefixedEnvVars(os.Environ(), config.DefaultNamePrefix, cmd.Configuration)

	if len(vars) == 0 {
		return false, nil
	}

	if err := env.Decode(vars, config.DefaultNamePrefix, cmd.Configuration); err != nil {
		return false, fmt.Errorf("failed to decode configuration from environment variables: %w", err)
	}

	return true, nil
}
