// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the flAPI server.
package main

import (
	"os"

	"github.com/flapi-io/flapi/cmd/flapi/app"
	"github.com/flapi-io/flapi/pkg/errors"
)

// Exit codes: 0 success, 1 configuration error at startup, 2 runtime
// fatal.
func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		if errors.IsConfiguration(err) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
