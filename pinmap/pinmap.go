// Package pinmap resolves the symbolic pin strings used in device
// configuration commands: parsing the "^"/"!" prefixes accepted by
// config_* commands, and rewriting pin names in a built config command
// through an MCU's default pin map or a named user pin map.
package pinmap

import (
	"fmt"
	"strings"
)

// Pin is a parsed pin reference: the bare symbolic name plus the
// pull-up and invert bits a config_* command encodes alongside it.
type Pin struct {
	Name   string
	Pullup int
	Invert int
}

// Parse splits the optional "^" and "!" prefixes off pin; "^" is only
// recognised before "!". "^" enables an input pull-up and, matching the firmware
// convention, also sets invert; a subsequent "!" toggles invert back.
// canPullup must be true for the peripheral to accept "^"; a "^" on a
// peripheral that can't honor it is left unconsumed as a literal pin
// character, same as the source this is ported from.
func Parse(pin string, canPullup bool) (Pin, error) {
	if pin == "" {
		return Pin{}, fmt.Errorf("pinmap: empty pin")
	}
	pullup, invert := 0, 0
	if canPullup && strings.HasPrefix(pin, "^") {
		pullup, invert = 1, 1
		pin = strings.TrimSpace(pin[1:])
	}
	if strings.HasPrefix(pin, "!") {
		invert ^= 1
		pin = strings.TrimSpace(pin[1:])
	}
	if pin == "" {
		return Pin{}, fmt.Errorf("pinmap: pin name empty after prefixes")
	}
	return Pin{Name: pin, Pullup: pullup, Invert: invert}, nil
}

// Map is a symbolic-name to MCU-pin-identifier table, as produced by
// MCUToPins or MapPins.
type Map map[string]string

// MCUToPins returns the default pin map for the named MCU.
//
// Real pin tables are board-specific data that callers load (from the
// firmware's board definition or a configuration file); this function
// returns an empty map when no table has been registered for mcu, which
// UpdateCommand treats as "leave every pin name unchanged".
func MCUToPins(mcu string, registry map[string]Map) Map {
	if m, ok := registry[mcu]; ok {
		return m
	}
	return Map{}
}

// MapPins returns the user-named pin map, falling back to the MCU's
// default map when name is empty.
func MapPins(name string, mcu string, userMaps map[string]Map, registry map[string]Map) Map {
	if name == "" {
		return MCUToPins(mcu, registry)
	}
	if m, ok := userMaps[name]; ok {
		return m
	}
	return Map{}
}

// UpdateCommand rewrites every space-separated "key=value" pin
// reference in cmd whose value names a pin in m, replacing it with the
// value. Tokens that aren't a recognized pin alias pass through
// untouched, matching pins.update_command's behavior of only ever
// rewriting values it recognizes.
func UpdateCommand(cmd string, m Map) string {
	if len(m) == 0 {
		return cmd
	}
	fields := strings.Fields(cmd)
	for i, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		name := v
		prefix := ""
		for len(name) > 0 && (name[0] == '^' || name[0] == '!') {
			prefix += name[:1]
			name = name[1:]
		}
		if repl, ok := m[name]; ok {
			fields[i] = k + "=" + prefix + repl
		}
	}
	return strings.Join(fields, " ")
}
