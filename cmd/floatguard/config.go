package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/guardlabs/floatguard"
)

// fileConfig is the TOML shape of the runtime toggles. Target defaults to
// "demo"; every other field defaults to the runtime's own default when absent.
type fileConfig struct {
	Target          string `toml:"target"`
	Quarantine      *bool  `toml:"quarantine"`
	QuarantineBytes uint64 `toml:"quarantine_bytes"`
	AbortOnFault    *bool  `toml:"abort_on_fault"`
	SurviveFaults   bool   `toml:"survive_faults"`
	CatchSegfault   bool   `toml:"catch_segfault"`
	MemorySize      uint64 `toml:"memory_size"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{Target: "demo"}
}

func loadConfig(path string) (*floatguard.RuntimeConfig, fileConfig, error) {
	fc := defaultFileConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fc, err
		}
		if err := toml.Unmarshal(data, &fc); err != nil {
			return nil, fc, fmt.Errorf("invalid config %s: %w", path, err)
		}
		if fc.Target == "" {
			fc.Target = "demo"
		}
	}

	cfg := floatguard.NewRuntimeConfig()
	if fc.Quarantine != nil {
		cfg = cfg.WithQuarantine(*fc.Quarantine)
	}
	if fc.QuarantineBytes != 0 {
		cfg = cfg.WithQuarantineBytes(fc.QuarantineBytes)
	}
	if fc.AbortOnFault != nil {
		cfg = cfg.WithAbortOnFault(*fc.AbortOnFault)
	}
	if fc.SurviveFaults {
		cfg = cfg.WithSurviveFaults(true)
	}
	if fc.CatchSegfault {
		cfg = cfg.WithCatchSegfault(true)
	}
	if fc.MemorySize != 0 {
		cfg = cfg.WithMemorySize(fc.MemorySize)
	}
	return cfg, fc, nil
}
