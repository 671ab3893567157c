// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// The neural-engine command runs the engine daemon and ships the operator
// verbs that drive a running engine over its control-plane API.
package main

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/neurascale/neural-engine/pkg/config"
	"github.com/neurascale/neural-engine/pkg/version"
)

// Process exit codes.
const (
	exitOK          = 0
	exitUserError   = 1
	exitIntegrity   = 2
	exitUnavailable = 3
)

// exitError pins an explicit exit code onto an error bubbling up through
// cobra.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

var (
	flagConfigPath string
	flagAPIAddress string
	flagToken      string
)

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "neural-engine",
		Short:         "NeuraScale neural data engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "",
		"directory holding neural-engine.yaml")
	root.PersistentFlags().StringVar(&flagAPIAddress, "api-address", "",
		"control-plane address of a running engine (defaults to api.bind_address)")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("NEURAL_API_TOKEN"),
		"bearer token for the control-plane API")

	root.AddCommand(
		runCommand(),
		configCommand(),
		ingestCommand(),
		ledgerCommand(),
		devicesCommand(),
		sessionCommand(),
		purgeCommand(),
		versionCommand(),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "neural-engine "+version.Full())
			return nil
		},
	}
}

func configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			settings := config.Engine.AllSettings()
			scrubAuthTokens(settings)
			out, err := yaml.Marshal(settings)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// scrubAuthTokens redacts bearer tokens before the config is printed.
func scrubAuthTokens(settings map[string]interface{}) {
	apiSection, ok := settings["api"].(map[string]interface{})
	if !ok {
		return
	}
	if _, ok := apiSection["auth_tokens"]; ok {
		apiSection["auth_tokens"] = "<redacted>"
	}
}

func loadConfig() (*config.Config, error) {
	var paths []string
	if flagConfigPath != "" {
		paths = append(paths, flagConfigPath)
	}
	return config.Build(paths...)
}

// exitCode maps an error to the documented process exit codes: 1 for user
// errors, 2 for a chain integrity violation, 3 when the engine is
// unreachable or refusing service.
func exitCode(err error) int {
	var ee exitError
	if stderrors.As(err, &ee) {
		return ee.code
	}
	var ae *apiError
	if stderrors.As(err, &ae) {
		if ae.Status == 503 {
			return exitUnavailable
		}
		return exitUserError
	}
	var ue *url.Error
	if stderrors.As(err, &ue) {
		return exitUnavailable
	}
	return exitUserError
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}
