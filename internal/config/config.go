// Package config loads engine settings from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmx/internal/arch"
	"github.com/tinyrange/vmx/internal/vmm"
)

type Config struct {
	// Processors is the number of logical processors to serve. Zero means
	// one.
	Processors int `yaml:"processors"`

	RecordExitHistory bool `yaml:"record_exit_history"`
	ExitHistorySize   int  `yaml:"exit_history_size"`

	// VendorID is the 12-byte CPUID vendor identity reported to the guest.
	VendorID string `yaml:"vendor_id"`

	// CompatMSRs lists register numbers tolerated outside the
	// architectural ranges.
	CompatMSRs []uint32 `yaml:"compat_msrs"`
}

func Default() Config {
	return Config{
		Processors:      1,
		ExitHistorySize: 100,
		VendorID:        "GenuineIntel",
		CompatMSRs:      []uint32{0x400000f0},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Processors < 0 {
		return fmt.Errorf("processors must not be negative, got %d", c.Processors)
	}
	if c.ExitHistorySize < 0 {
		return fmt.Errorf("exit_history_size must not be negative, got %d", c.ExitHistorySize)
	}
	if c.VendorID != "" && len(c.VendorID) != 12 {
		return fmt.Errorf("vendor_id must be 12 bytes, got %q", c.VendorID)
	}
	return nil
}

// EngineOptions converts the configuration into engine options.
func (c Config) EngineOptions() vmm.Options {
	msrs := make([]arch.Msr, 0, len(c.CompatMSRs))
	for _, m := range c.CompatMSRs {
		msrs = append(msrs, arch.Msr(m))
	}
	return vmm.Options{
		Processors:        c.Processors,
		RecordExitHistory: c.RecordExitHistory,
		HistoryDepth:      c.ExitHistorySize,
		Vendor:            c.VendorID,
		CompatMSRs:        msrs,
	}
}
