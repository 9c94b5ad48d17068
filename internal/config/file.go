package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ParseFile reads a flat `key = value` parameter file into a Config.
// Lines starting with `#` and blank lines are ignored. This is a thin
// convenience for the CLI; the canonical surface is FromMap.
func ParseFile(path string) (*Config, error) {
	m, err := ReadKeyValues(path)
	if err != nil {
		return nil, err
	}
	return FromMap(m)
}

// ReadKeyValues reads a `key = value` file into a flat map.
func ReadKeyValues(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	m := make(map[string]string)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, val, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: expected `key = value`, got %q", path, line, text)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if key == "" {
			return nil, fmt.Errorf("config: %s:%d: empty key", path, line)
		}
		if _, dup := m[key]; dup {
			return nil, fmt.Errorf("config: %s:%d: duplicate key %q", path, line, key)
		}
		m[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return m, nil
}
