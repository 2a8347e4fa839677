// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostbox

import (
	"fmt"
	"strings"
)

// DescribeGPIO renders a GPIO register as the two 8-bit expander ports,
// most significant pin first, one column per pin.
func DescribeGPIO(reg uint16) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("GPIO 0x%04X\n", reg))
	for port := 0; port < 2; port++ {
		names := make([]string, 0, 8)
		values := make([]string, 0, 8)
		for bit := 7; bit >= 0; bit-- {
			pin := port*8 + bit
			name := PinNames[pin]
			width := len(name)
			names = append(names, name)
			values = append(values, fmt.Sprintf("%-*d", width, b2i(Bit(reg, pin))))
		}
		b.WriteString(fmt.Sprintf("Port %d:\n", port))
		b.WriteString("| " + strings.Join(names, " | ") + " |\n")
		b.WriteString("| " + strings.Join(values, " | ") + " |\n")
	}
	return b.String()
}
