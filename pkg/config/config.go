// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the optional YAML bench file. Command line flags
// override whatever it sets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/expmon/pkg/hostbox"
	"github.com/Thermoquad/expmon/pkg/linereader"
	"github.com/Thermoquad/expmon/pkg/logsink"
	"github.com/Thermoquad/expmon/pkg/loopback"
	"github.com/Thermoquad/expmon/pkg/telemetry"
)

type Config struct {
	Label     string          `yaml:"label"`
	Info      string          `yaml:"info"`
	LogDir    string          `yaml:"logdir"`
	Silence   time.Duration   `yaml:"silence"`
	UserInput bool            `yaml:"user_input"`
	Serial    SerialConfig    `yaml:"serial"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Output    OutputConfig    `yaml:"output"`
	Loopback  LoopbackConfig  `yaml:"loopback"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	HostBox   HostBoxConfig   `yaml:"hostbox"`
}

type SerialConfig struct {
	// Port is a device path or a pattern matched against port details
	Port        string        `yaml:"port"`
	FTDIPort    int           `yaml:"ftdi_port"`
	Baud        int           `yaml:"baud"`
	Parity      bool          `yaml:"parity"`
	RTSCTS      bool          `yaml:"rtscts"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type WebSocketConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

type OutputConfig struct {
	Parser   string `yaml:"parser"`
	Color    string `yaml:"color"`
	Compress string `yaml:"compress"`
	RotateOn string `yaml:"rotate_on"`
	Capture  string `yaml:"capture"`
}

type LoopbackConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Injected    bool          `yaml:"injected"`
	ByteTimeout time.Duration `yaml:"byte_timeout"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type HostBoxConfig struct {
	Port             string        `yaml:"port"`
	Baud             int           `yaml:"baud"`
	BoardName        uint16        `yaml:"board_name"`
	I2CFrequencyHz   float64       `yaml:"i2c_frequency_hz"`
	SUTBaud0         int           `yaml:"sut_baud0"`
	SUTBaud1         int           `yaml:"sut_baud1"`
	SampleRateHz     float64       `yaml:"sample_rate_hz"`
	CurrentThreshold float64       `yaml:"current_threshold_ma"`
	OvercurrentOn    time.Duration `yaml:"overcurrent_on"`
	OvercurrentOff   time.Duration `yaml:"overcurrent_off"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Label == "" {
		c.Label = "UART"
	}
	if c.Info == "" {
		c.Info = "device"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.Silence == 0 {
		c.Silence = linereader.DefaultSilence
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = 100 * time.Millisecond
	}
	if c.Output.Parser == "" {
		c.Output.Parser = "none"
	}
	if c.Output.Color == "" {
		c.Output.Color = "auto"
	}
	if c.Output.Compress == "" {
		c.Output.Compress = "none"
	}
	if c.Loopback.ByteTimeout == 0 {
		c.Loopback.ByteTimeout = loopback.DefaultByteTimeout
	}
	if c.Loopback.Injected {
		c.Loopback.Enabled = true
	}

	d := hostbox.DefaultSettings()
	if c.HostBox.Baud == 0 {
		c.HostBox.Baud = d.HostBaudrate
	}
	if c.HostBox.BoardName == 0 {
		c.HostBox.BoardName = d.BoardName
	}
	if c.HostBox.I2CFrequencyHz == 0 {
		c.HostBox.I2CFrequencyHz = d.I2CFrequencyHz
	}
	if c.HostBox.SUTBaud0 == 0 {
		c.HostBox.SUTBaud0 = d.SUTBaudrate0
	}
	if c.HostBox.SUTBaud1 == 0 {
		c.HostBox.SUTBaud1 = d.SUTBaudrate1
	}
	if c.HostBox.SampleRateHz == 0 {
		c.HostBox.SampleRateHz = d.CurrentSampleHz
	}
	if c.HostBox.CurrentThreshold == 0 {
		c.HostBox.CurrentThreshold = d.CurrentThresholdA * 1e3
	}
	if c.HostBox.OvercurrentOn == 0 {
		c.HostBox.OvercurrentOn = d.OvercurrentOnTime
	}
	if c.HostBox.OvercurrentOff == 0 {
		c.HostBox.OvercurrentOff = d.OvercurrentOffTime
	}
}

// Validate checks values that flags may also have changed
func (c *Config) Validate() error {
	if _, err := telemetry.Lookup(c.Output.Parser); err != nil {
		return fmt.Errorf("output.parser: %w", err)
	}
	if _, err := logsink.ParseCompression(c.Output.Compress); err != nil {
		return fmt.Errorf("output.compress: %w", err)
	}
	switch c.Output.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("output.color must be auto, always or never, got %q", c.Output.Color)
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive")
	}
	if c.Serial.FTDIPort < 0 {
		return fmt.Errorf("serial.ftdi_port must not be negative")
	}
	if c.Silence < 0 {
		return fmt.Errorf("silence must not be negative")
	}
	if c.HostBox.SampleRateHz <= 0 || c.HostBox.I2CFrequencyHz <= 0 {
		return fmt.Errorf("hostbox frequencies must be positive")
	}
	if _, err := c.HostBox.Settings().Registers(); err != nil {
		return err
	}
	return nil
}

// Settings converts the host box section to register settings
func (h HostBoxConfig) Settings() hostbox.Settings {
	return hostbox.Settings{
		BoardName:          h.BoardName,
		I2CFrequencyHz:     h.I2CFrequencyHz,
		HostBaudrate:       h.Baud,
		SUTBaudrate0:       h.SUTBaud0,
		SUTBaudrate1:       h.SUTBaud1,
		CurrentSampleHz:    h.SampleRateHz,
		CurrentThresholdA:  h.CurrentThreshold / 1e3,
		OvercurrentOnTime:  h.OvercurrentOn,
		OvercurrentOffTime: h.OvercurrentOff,
	}
}
