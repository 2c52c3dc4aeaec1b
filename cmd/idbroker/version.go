package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/idbroker/idbroker/internal/config"

	"github.com/traefik/paerser/cli"
)

type VersionConfig struct {
	JSON bool `description:"Print build information as JSON."`
}

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuiltAt   string `json:"builtAt"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func currentBuild() buildInfo {
	return buildInfo{
		Version:   config.Version,
		Commit:    config.CommitHash,
		BuiltAt:   config.BuildTimestamp,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func writeVersion(w io.Writer, info buildInfo, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(info)
	}
	_, err := fmt.Fprintf(w, "idbroker %s (commit %s, built %s, %s %s)\n", info.Version, info.Commit, info.BuiltAt, info.GoVersion, info.Platform)
	return err
}

func versionCmd() *cli.Command {
	vCfg := &VersionConfig{}

	return &cli.Command{
		Name:          "version",
		Description:   "Show which idbroker build is installed",
		Configuration: vCfg,
		Resources:     []cli.ResourceLoader{&cli.FlagLoader{}},
		Run: func(_ []string) error {
			return writeVersion(os.Stdout, currentBuild(), vCfg.JSON)
		},
	}
}
