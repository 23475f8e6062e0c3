// Package dict parses a firmware's self-description dictionary into
// typed command templates and per-message response decoders, and
// caches the parsed result on disk so an unchanged firmware build
// skips re-parsing on the next connect.
//
// The dictionary itself arrives from the MCU as JSON (firmware's own
// self-description, not something this package generates); parsing it
// is the single place untyped wire data becomes typed, matching the
// source's msgparser role.
package dict

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Arg is one named, typed argument of a command or response template.
type Arg struct {
	Name string
	Wire string // c, u, hu, hi, i, ... as the firmware declares, without the leading %
}

// Template is a parsed command or response descriptor: a wire message
// id plus its argument schema, resolved once at connect from the
// format string the caller looked it up by.
type Template struct {
	MsgID  int64
	Format string
	Args   []Arg
}

// Encode renders args (in template order) into the wire text form the
// corpus's serial transport expects a queued command line to look
// like: "msgid a0 a1 a2 ...". Values are formatted as their decimal
// representation. The transports in this module write this text as
// is; none of them translates it into the firmware's binary VLQ
// encoding.
func (t Template) Encode(args ...int64) (string, error) {
	if len(args) != len(t.Args) {
		return "", fmt.Errorf("dict: %s: expected %d args, got %d", t.Format, len(t.Args), len(args))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d", t.MsgID)
	for _, a := range args {
		fmt.Fprintf(&b, " %d", a)
	}
	return b.String(), nil
}

// Params is the decoded name->value bag for one received response
// message, the typed replacement for the source's untyped mapping.
type Params map[string]int64

// Int returns params[name], or 0 if absent.
func (p Params) Int(name string) int64 { return p[name] }

// Str returns strs[name]: string-valued fields (firmware names,
// shutdown messages, the source's "#name"/"#msg") are held in the
// separate strs map, not in p.
func (p Params) Str(name string, strs map[string]string) string {
	return strs[name]
}

// Dictionary is the full parsed firmware self-description: global
// config values (CLOCK_FREQ, MCU, ...), and every command/response
// template keyed by its human-readable format string.
type Dictionary struct {
	Config   map[string]string
	Commands map[string]Template
	// Version identifies the firmware build this dictionary was
	// parsed from, used to invalidate a stale on-disk cache.
	Version string
}

// wireJSON mirrors the subset of the klipper firmware dictionary JSON
// schema this core depends on: a flat config map and a commands list
// of format strings with monotonically assigned message ids.
type wireJSON struct {
	Version string            `json:"version"`
	Config  map[string]string `json:"config"`
	// Commands lists every command template string in firmware
	// declaration order; a command's msgid is its index. Responses
	// continue the numbering after the last command.
	Commands  []string `json:"commands"`
	Responses []string `json:"responses"`
}

// Parse decodes the raw JSON dictionary the firmware reports and
// resolves every command/response template's argument schema from its
// format string.
func Parse(raw []byte) (*Dictionary, error) {
	var w wireJSON
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("dict: parse: %w", err)
	}
	d := &Dictionary{
		Config:   w.Config,
		Commands: make(map[string]Template, len(w.Commands)+len(w.Responses)),
		Version:  w.Version,
	}
	for id, format := range w.Commands {
		d.Commands[format] = parseTemplate(int64(id), format)
	}
	base := len(w.Commands)
	for id, format := range w.Responses {
		d.Commands[format] = parseTemplate(int64(base+id), format)
	}
	return d, nil
}

// parseTemplate extracts "name=%wiretype" argument pairs from a
// format string such as "queue_step oid=%c interval=%u count=%hu
// add=%hi".
func parseTemplate(msgid int64, format string) Template {
	fields := strings.Fields(format)
	t := Template{MsgID: msgid, Format: format}
	for _, f := range fields[1:] {
		name, wire, ok := strings.Cut(f, "=%")
		if !ok {
			continue
		}
		t.Args = append(t.Args, Arg{Name: name, Wire: wire})
	}
	return t
}

// Lookup resolves a command template by its exact format string,
// failing fast (an unrecognized template is a programming error, not
// a runtime condition) the way the source's lookup_command does.
func (d *Dictionary) Lookup(format string) (Template, error) {
	t, ok := d.Commands[format]
	if !ok {
		return Template{}, fmt.Errorf("dict: unknown command template %q", format)
	}
	return t, nil
}

// cached is the on-disk cbor cache schema: the parsed dictionary plus the
// firmware version it was parsed from, so a rebuilt firmware (new
// version string) can never serve a stale cache.
type cached struct {
	Version  string
	Config   map[string]string
	Commands map[string]Template
}

// LoadCache attempts to decode a previously cached dictionary from
// path for the given expected firmware version. A missing file, a
// decode failure, or a version mismatch are all treated identically:
// return ok=false so the caller falls back to a full Parse. Cache
// errors are never fatal and never surfaced beyond this boolean.
func LoadCache(path, wantVersion string) (d *Dictionary, ok bool) {
	if path == "" {
		return nil, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var c cached
	if err := cbor.Unmarshal(raw, &c); err != nil {
		return nil, false
	}
	if c.Version != wantVersion {
		return nil, false
	}
	return &Dictionary{Config: c.Config, Commands: c.Commands, Version: c.Version}, true
}

// SaveCache persists d to path for reuse by a later LoadCache with the
// same firmware version. Write failures are returned but are never
// fatal to the caller's connect sequence.
func SaveCache(path string, d *Dictionary) error {
	if path == "" {
		return nil
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return fmt.Errorf("dict: cache encode mode: %w", err)
	}
	b, err := enc.Marshal(cached{Version: d.Version, Config: d.Config, Commands: d.Commands})
	if err != nil {
		return fmt.Errorf("dict: cache marshal: %w", err)
	}
	return os.WriteFile(path, b, 0o640)
}
