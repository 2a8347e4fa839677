// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Expmon - Experiment Box Bench Monitor
//
// A CLI tool for logging the serial output of a system under test and
// driving the host box that powers it.

package main

import (
	"os"

	"github.com/Thermoquad/expmon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
