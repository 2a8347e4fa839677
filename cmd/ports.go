// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var portsCmd = &cobra.Command{
	Use:   "ports [pattern]",
	Short: "List serial ports and what a --port pattern would match",
	Long: `List every serial port with the details a --port pattern is matched
against. With a pattern, matching ports are numbered in the order used by
--ftdi-port.

Examples:
  expmon ports
  expmon ports 0403:6011`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	pattern := ""
	if len(args) == 1 {
		pattern = args[0]
	}
	for _, line := range portListing(ports, pattern) {
		fmt.Println(line)
	}
	return nil
}

// portListing renders ports in name order, numbering those matching pattern
func portListing(ports []*enumerator.PortDetails, pattern string) []string {
	var lines []string
	for i := 1; pattern != ""; i++ {
		p, ok := matchPort(ports, pattern, i)
		if !ok {
			break
		}
		lines = append(lines, fmt.Sprintf("[%d] %s", i, describePort(p)))
	}
	if pattern != "" {
		if len(lines) == 0 {
			return []string{fmt.Sprintf("No port matches %q", pattern)}
		}
		return lines
	}

	for i := 1; ; i++ {
		p, ok := matchPort(ports, "", i)
		if !ok {
			break
		}
		lines = append(lines, "    "+strings.TrimSpace(describePort(p)))
	}
	return lines
}
