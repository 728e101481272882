package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// fallbackFile lazily loads "secret://name=value" lines from disk. Versions are ignored and a
// missing file is treated as empty.
type fallbackFile struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(canonical string) (string, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", f.err
	}
	if value, ok := f.values[canonical]; ok {
		return value, nil
	}
	return "", fmt.Errorf("secrets: fallback value not found for %s", canonical)
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	if strings.TrimSpace(f.path) == "" {
		return
	}
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.err = fmt.Errorf("secrets: open fallback file %s: %w", f.path, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sep := strings.Index(line, "=")
		if sep <= 0 {
			continue
		}
		key, value := strings.TrimSpace(line[:sep]), strings.TrimSpace(line[sep+1:])
		ref, err := parseReference(key)
		if err != nil {
			continue
		}
		f.values[ref.Canonical] = value
	}
	if err := scanner.Err(); err != nil {
		f.err = fmt.Errorf("secrets: read fallback file %s: %w", f.path, err)
	}
}
