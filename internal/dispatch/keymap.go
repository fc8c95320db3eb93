package dispatch

import (
	"fmt"
	"sort"
	"strings"
)

// Keymap resolves normalized key chords to commands.
type Keymap map[string]Command

var modifierOrder = map[string]int{"ctrl": 0, "alt": 1, "shift": 2, "meta": 3}

var keyAliases = map[string]string{
	"control": "ctrl",
	"ctl":     "ctrl",
	"option":  "alt",
	"opt":     "alt",
	"cmd":     "meta",
	"command": "meta",
	"super":   "meta",
	"win":     "meta",
	"esc":     "escape",
	"return":  "enter",
	"del":     "delete",
}

// NormalizeChord canonicalizes a chord such as "Shift+Ctrl+X" to
// "ctrl+shift+x". A chord has any number of modifiers and exactly one key.
func NormalizeChord(chord string) (string, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(chord)), "+")
	var mods []string
	key := ""
	seen := map[string]bool{}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if alias, ok := keyAliases[part]; ok {
			part = alias
		}
		if part == "" {
			return "", fmt.Errorf("chord %q: empty component", chord)
		}
		if _, isMod := modifierOrder[part]; isMod {
			if !seen[part] {
				mods = append(mods, part)
				seen[part] = true
			}
			continue
		}
		if key != "" {
			return "", fmt.Errorf("chord %q: more than one key", chord)
		}
		key = part
	}
	if key == "" {
		return "", fmt.Errorf("chord %q: no key", chord)
	}
	sort.Slice(mods, func(i, j int) bool { return modifierOrder[mods[i]] < modifierOrder[mods[j]] })
	return strings.Join(append(mods, key), "+"), nil
}

// NewKeymap builds a keymap from command to chord bindings. A chord bound
// to two commands is an error.
func NewKeymap(bindings map[string][]string) (Keymap, error) {
	km := Keymap{}
	for rawCommand, chords := range bindings {
		cmd, ok := ParseCommand(rawCommand)
		if !ok {
			return nil, fmt.Errorf("keymap: unknown command %q", rawCommand)
		}
		for _, chord := range chords {
			normalized, err := NormalizeChord(chord)
			if err != nil {
				return nil, fmt.Errorf("keymap %s: %w", cmd, err)
			}
			if existing, dup := km[normalized]; dup && existing != cmd {
				return nil, fmt.Errorf("keymap: %s bound to both %s and %s", normalized, existing, cmd)
			}
			km[normalized] = cmd
		}
	}
	return km, nil
}

// Lookup resolves a raw chord.
func (km Keymap) Lookup(chord string) (Command, bool) {
	normalized, err := NormalizeChord(chord)
	if err != nil {
		return "", false
	}
	cmd, ok := km[normalized]
	return cmd, ok
}

// Bindings lists chords per command, sorted, for display.
func (km Keymap) Bindings() map[Command][]string {
	out := map[Command][]string{}
	for chord, cmd := range km {
		out[cmd] = append(out[cmd], chord)
	}
	for cmd := range out {
		sort.Strings(out[cmd])
	}
	return out
}
