// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/errors"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [descriptor...]",
		Short: "Validate the project configuration and endpoint descriptors",
		Long: `Load the project file and check every endpoint descriptor under the
template root, including include expansion and route conflicts. With
descriptor paths as arguments, only those files are checked.`,
		RunE:         validateCmdFunc,
		SilenceUsage: true,
	}
}

func validateCmdFunc(cmd *cobra.Command, args []string) error {
	project, err := config.LoadProject(configPath)
	if err != nil {
		return errors.NewConfigurationError("loading project", err)
	}
	loader, err := config.NewLoader(project)
	if err != nil {
		return err
	}

	if len(args) > 0 {
		return validateFiles(cmd, loader, args)
	}

	endpoints, errs := loader.LoadEndpoints()
	for _, e := range errs {
		cmd.PrintErrf("%v\n", e)
	}
	if len(errs) > 0 {
		return errors.NewConfigurationError(
			fmt.Sprintf("%d endpoint descriptor(s) failed validation", len(errs)), errs[0])
	}
	// Registry construction catches route conflicts between otherwise
	// valid descriptors.
	if _, err := config.NewRegistry(project, loader, endpoints); err != nil {
		return err
	}
	cmd.Printf("project %q: %d endpoint(s) valid\n", project.Name, len(endpoints))
	return nil
}

func validateFiles(cmd *cobra.Command, loader *config.Loader, paths []string) error {
	var failed int
	for _, path := range paths {
		ep, isEndpoint, err := loader.LoadEndpointFile(path)
		switch {
		case err != nil:
			failed++
			cmd.PrintErrf("%s: %v\n", path, err)
		case !isEndpoint:
			cmd.Printf("%s: shared fragment, nothing to validate\n", path)
		case ep.URLPath != "":
			cmd.Printf("%s: ok (%s %s)\n", path, ep.HTTPMethod(), ep.URLPath)
		default:
			cmd.Printf("%s: ok (mcp %s)\n", path, ep.MCPName())
		}
	}
	if failed > 0 {
		return errors.NewConfigurationError(
			fmt.Sprintf("%d descriptor(s) failed validation", failed), nil)
	}
	return nil
}
