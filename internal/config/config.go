// Package config loads faeutil.yaml and applies environment variable
// overrides: yaml.v3 struct tags, a Load/validate split, and defaults
// applied before validation.
package config

import (
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// Config is faeutil's resolved, post-default, post-override
// configuration.
type Config struct {
	// MCU selects the register/pointer-size table faegen/faemap use —
	// currently only ReturnAddressSize, but the table exists as a
	// single place to grow per-part quirks into.
	MCU string

	// ReturnAddressSize is the byte width of the return address AVR
	// pushes on a CALL: 2 on parts with a 16-bit program counter, 3 on
	// "large flash" parts whose PC doesn't fit in 16 bits (atmega2560,
	// atmega1280).
	ReturnAddressSize int

	// EmitRelocations disables emitting .rela.fae_info when false,
	// producing a fully absolute (pre-linked) object instead — useful
	// for single-translation-unit builds that skip a link step.
	EmitRelocations bool

	// MergeCache is the sqlite path faemap uses for its incremental
	// merge cache. Empty disables caching.
	MergeCache string
}

// rawConfig is faeutil.yaml's on-disk shape. EmitRelocations is a pointer
// so Load can tell "omitted from the file" (defaults to true) apart from
// "explicitly set to false" — a plain bool field can't distinguish those,
// since both read back as the zero value.
type rawConfig struct {
	MCU               string `yaml:"mcu"`
	ReturnAddressSize int    `yaml:"return_address_size"`
	EmitRelocations   *bool  `yaml:"emit_relocations"`
	MergeCache        string `yaml:"merge_cache"`
}

// mcuReturnAddressSize pre-populates known "large flash" AVR parts whose
// program counter doesn't fit in 16 bits.
var mcuReturnAddressSize = map[string]int{
	"atmega2560": 3,
	"atmega1280": 3,
}

// defaultMCU and defaultReturnAddressSize apply when the config file is
// absent or silent on these fields.
const (
	defaultMCU               = "atmega328p"
	defaultReturnAddressSize = 2
)

// Default returns the zero-config default: atmega328p-shaped 2-byte
// return addresses, relocations on, and no merge cache.
func Default() Config {
	return Config{
		MCU:               defaultMCU,
		ReturnAddressSize: defaultReturnAddressSize,
		EmitRelocations:   true,
	}
}

// Load reads path (a faeutil.yaml file), applies the MCU table and
// environment overrides (FAEUTIL_MCU, FAEUTIL_RETURN_ADDRESS_SIZE,
// FAEUTIL_MERGE_CACHE), and returns the resolved Config. A missing file
// is not an error: Load falls back to Default() so faegen/faemap/readfae
// work with zero configuration. FAEUTIL_MCU applies before the MCU table
// lookup, so naming a part via FAEUTIL_MCU alone is enough to pick up its
// return-address width; FAEUTIL_RETURN_ADDRESS_SIZE applies after it.
func Load(path string) (Config, error) {
	var raw rawConfig
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through with a zero-value raw, same as no file at all
		case err != nil:
			return Config{}, fmt.Errorf("config: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	mcu := env.Str("FAEUTIL_MCU", raw.MCU)
	if mcu == "" {
		mcu = defaultMCU
	}

	returnAddressSize := raw.ReturnAddressSize
	if returnAddressSize == 0 {
		if size, ok := mcuReturnAddressSize[mcu]; ok {
			returnAddressSize = size
		} else {
			returnAddressSize = defaultReturnAddressSize
		}
	}
	returnAddressSize = env.Int("FAEUTIL_RETURN_ADDRESS_SIZE", returnAddressSize)

	emitRelocations := true
	if raw.EmitRelocations != nil {
		emitRelocations = *raw.EmitRelocations
	}

	cfg := Config{
		MCU:               mcu,
		ReturnAddressSize: returnAddressSize,
		EmitRelocations:   emitRelocations,
		MergeCache:        env.Str("FAEUTIL_MERGE_CACHE", raw.MergeCache),
	}

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

// validate rejects a return-address size the encoder can't use (fae's
// pop/skip programs assume 2 or 3).
func validate(cfg Config) error {
	if cfg.ReturnAddressSize != 2 && cfg.ReturnAddressSize != 3 {
		return fmt.Errorf("return_address_size %d must be 2 or 3", cfg.ReturnAddressSize)
	}
	return nil
}
