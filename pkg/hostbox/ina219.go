// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostbox

import "math"

// INA219 power monitor constants for the box's 20 mOhm shunt.
const (
	// CurrentLSB is the rounded current register resolution (100 uA)
	CurrentLSB = 100e-6
	// PowerLSB is fixed by the INA219 at 20 x CurrentLSB
	PowerLSB = 20 * CurrentLSB
	// BusVoltageLSB is 4 mV per bit after dropping the 3 status bits
	BusVoltageLSB = 4e-3
	// ShuntOhms is the sense resistor on the SUT supply
	ShuntOhms = 20e-3
	// MaxExpectedAmps bounds the calibration range
	MaxExpectedAmps = 2.0
)

// SignedRegister interprets a 16-bit register as two's complement
func SignedRegister(raw uint16) int16 {
	return int16(raw)
}

// CurrentAmps converts a raw current register to amperes
func CurrentAmps(raw uint16) float64 {
	return float64(SignedRegister(raw)) * CurrentLSB
}

// CurrentMilliamps converts a raw current register to milliamperes
func CurrentMilliamps(raw uint16) float64 {
	return CurrentAmps(raw) * 1e3
}

// CurrentRegister converts amperes to the raw register value
func CurrentRegister(amps float64) uint16 {
	return uint16(int16(math.Round(amps / CurrentLSB)))
}

// BusVolts converts the bus voltage register to volts
func BusVolts(raw uint16) float64 {
	return float64(raw>>3) * BusVoltageLSB
}

// PowerWatts converts the power register to watts
func PowerWatts(raw uint16) float64 {
	return float64(raw) * PowerLSB
}

// CalibrationValue returns the INA219 calibration register value (datasheet eq. 1)
func CalibrationValue(currentLSB, shuntOhms float64) uint16 {
	// nudge before truncating so 20479.9999... lands on 20480
	return uint16(math.Trunc(0.04096/(currentLSB*shuntOhms) + 1e-9))
}

// MinimumCurrentLSB is the finest LSB able to cover maxAmps (datasheet eq. 2)
func MinimumCurrentLSB(maxAmps float64) float64 {
	return maxAmps / (1 << 15)
}
