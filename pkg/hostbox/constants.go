// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostbox

// ClockHz is the host box FPGA system clock
const ClockHz = 50e6

// Register addresses of the experiment host box
const (
	// Configuration (0x00xx)
	AddrVersion            uint16 = 0x0000 // read only
	AddrBoardName          uint16 = 0x0001
	AddrSystemI2CDiv       uint16 = 0x0002
	AddrSystemUARTBaudrate uint16 = 0x0003
	AddrSUTUARTBaudrate0   uint16 = 0x0004
	AddrSUTUARTBaudrate1   uint16 = 0x0005
	AddrCurrentSampleRate  uint16 = 0x0006
	AddrCurrentThreshold   uint16 = 0x0007
	AddrOvercurrentOnTime  uint16 = 0x0008
	AddrOvercurrentOffTime uint16 = 0x0009

	// Internal (0x01xx)
	AddrTimestampHigh uint16 = 0x0100
	AddrTimestampLow  uint16 = 0x0101

	// I2C peripherals (0x02xx)
	AddrGPIOTriState uint16 = 0x0200 // 1 = input, 0 = output
	AddrGPIORead     uint16 = 0x0201 // read only
	AddrGPIOWrite    uint16 = 0x0202
	AddrVoltage      uint16 = 0x0203
	AddrCurrent      uint16 = 0x0204
	AddrPower        uint16 = 0x0205
	AddrTemperature  uint16 = 0x0206 // read only
)

// GPIO expander pins
const (
	PinSOMJTAGSel       = 0
	PinSOMPowerEnable   = 1
	PinSOMNoSeq         = 2
	PinSOMPowerGood     = 3
	PinSOMBootMode      = 4
	PinSOMReset         = 5 // active low (nRST)
	PinSOMGPIO0         = 6
	PinSOMGPIO1         = 7
	PinSOMGPIO2         = 8
	PinSetupPowerEnable = 9
	PinSetupWatchdogWDO = 10
	PinSetupBoardIDLSB  = 11
	PinSetupBoardIDMSB  = 12
	PinSetupGPIOTest    = 13
	PinPCIeGPIO         = 14
	PinGND              = 15
)

// PinNames maps pin numbers to the names printed on the box schematic
var PinNames = [16]string{
	"SOM_JTAGSEL",
	"SOM_PWR_EN",
	"SOM_NOSEQ",
	"SOM_PGOOD",
	"SOM_BOOTMODE",
	"SOM_nRST",
	"SOM_GPIO_0",
	"SOM_GPIO_1",
	"SOM_GPIO_2",
	"SETUP_PWR_EN",
	"SETUP_WDT_WDO",
	"SETUP_BOARD_ID_LSB",
	"SETUP_BOARD_ID_MSB",
	"SETUP_GPIO_TEST",
	"PCIE_GPIO",
	"GND",
}

// DefaultTriState configures power enable, reset and the test LED as outputs
const DefaultTriState uint16 = 0xFFFF &^ (1<<PinSOMPowerEnable | 1<<PinSOMReset | 1<<PinSetupGPIOTest)

// Bit returns bit n of v
func Bit(v uint16, n int) bool {
	return (v>>uint(n))&1 == 1
}

// SetBit returns v with bit n set to on
func SetBit(v uint16, n int, on bool) uint16 {
	if on {
		return v | 1<<uint(n)
	}
	return v &^ (1 << uint(n))
}
