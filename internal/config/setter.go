package config

import (
	"fmt"
	"strconv"
	"time"
)

// configSetter applies values while respecting flag precedence: a value is
// only applied if the corresponding flag was not set explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	if changed == nil {
		changed = map[string]bool{}
	}
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}

// setUint sets an unsigned value from a pointer if not nil and flag not changed.
func (s *configSetter) setUint(flag string, value *uint64, bits int, assign func(uint64)) error {
	if value == nil || s.changed[flag] {
		return nil
	}
	if bits < 64 && *value >= 1<<uint(bits) {
		return fmt.Errorf("%s: %d does not fit in %d bits", flag, *value, bits)
	}
	assign(*value)
	return nil
}

// setUintFromString parses decimal or 0x-prefixed hex, as identities are
// usually written in hex.
func (s *configSetter) setUintFromString(flag, value string, bits int, assign func(uint64)) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	n, err := strconv.ParseUint(value, 0, bits)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	assign(n)
	return nil
}
