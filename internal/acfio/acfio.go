// Package acfio reads and writes Archon ".acf" configuration files: an
// INI document with a [SYSTEM] section (informational, mirrors the
// SYSTEM command output) and a [CONFIG] section (the timing-script
// key/value pairs the controller actually loads).
//
// The format has two quirks the stdlib's text/scanner or a hand-rolled
// parser would have to reinvent: keys are case-sensitive and the GUI
// that produces these files replaces '/' with '\' even though that
// escaping isn't required by the INI grammar, and values containing
// ',', ';' or '=' must be quoted. gopkg.in/ini.v1 already gives
// case-sensitive keys and read-order-preserving round trips, so this
// package is a thin domain-specific layer on top of it rather than a
// bespoke parser.
package acfio

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// Document is a parsed ACF file: the ordered [CONFIG] key/value pairs
// the controller loads, plus the informational [SYSTEM] section.
type Document struct {
	System map[string]string
	Config []KV
}

// KV is one ordered CONFIG entry. A slice instead of a map because the
// controller's RCONFIG/WCONFIG commands are line-indexed: WriteConfig
// must send lines in the same order ReadConfig received them.
type KV struct {
	Key   string
	Value string
}

// Decode parses raw ACF text and unescapes its CONFIG section: '\' is
// turned back into '/' in keys, and values are unquoted.
func Decode(raw string) (*Document, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
		AllowBooleanKeys:    true,
	}, []byte(raw))
	if err != nil {
		return nil, fmt.Errorf("acfio: parse: %w", err)
	}

	cfgSection, err := f.GetSection("CONFIG")
	if err != nil {
		return nil, fmt.Errorf("acfio: document has no [CONFIG] section: %w", err)
	}

	doc := &Document{System: map[string]string{}}
	if sysSection, err := f.GetSection("SYSTEM"); err == nil {
		for _, key := range sysSection.Keys() {
			doc.System[key.Name()] = key.Value()
		}
	}

	for _, key := range cfgSection.Keys() {
		doc.Config = append(doc.Config, KV{
			Key:   strings.ReplaceAll(key.Name(), "\\", "/"),
			Value: unquote(key.Value()),
		})
	}
	return doc, nil
}

// Lines renders the CONFIG section as "KEY=VALUE" lines in the order
// they were declared, the shape WCONFIG commands send over the wire.
func (d *Document) Lines() []string {
	lines := make([]string, len(d.Config))
	for i, kv := range d.Config {
		lines[i] = strings.ToUpper(kv.Key) + "=" + kv.Value
	}
	return lines
}

// Encode renders a Document back to ACF text, escaping CONFIG keys and
// quoting values that contain ',', ';' or '=', and writing [SYSTEM]
// first to match the GUI's own output.
func Encode(doc *Document) (string, error) {
	f := ini.Empty()

	sys, err := f.NewSection("SYSTEM")
	if err != nil {
		return "", err
	}
	sysKeys := make([]string, 0, len(doc.System))
	for k := range doc.System {
		sysKeys = append(sysKeys, k)
	}
	sort.Strings(sysKeys)
	for _, k := range sysKeys {
		if _, err := sys.NewKey(k, doc.System[k]); err != nil {
			return "", err
		}
	}

	cfg, err := f.NewSection("CONFIG")
	if err != nil {
		return "", err
	}
	for _, kv := range doc.Config {
		escapedKey := strings.ReplaceAll(kv.Key, "/", "\\")
		if _, err := cfg.NewKey(escapedKey, quoteIfNeeded(kv.Value)); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	if _, err := f.WriteTo(&b); err != nil {
		return "", fmt.Errorf("acfio: render: %w", err)
	}
	return b.String(), nil
}

// ParseKeywordLine turns a single "KEY=VALUE" line, as returned by an
// RCONFIGxxxx reply, into a KV in Document's canonical unescaped form.
// The wire protocol already uses '/' in keys and carries values
// unquoted; escaping and quoting are an ACF-file-on-disk concern applied
// only by Encode.
func ParseKeywordLine(line string) (KV, error) {
	k, v, ok := strings.Cut(line, "=")
	if !ok {
		return KV{}, fmt.Errorf("acfio: malformed config line %q", line)
	}
	return KV{Key: k, Value: v}, nil
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, ",;=") {
		return `"` + v + `"`
	}
	return v
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
