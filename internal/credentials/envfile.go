package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvFile persists credentials in a dotenv file next to the rest of the
// application's configuration. Save rewrites only the lines that assign the
// saved keys and appends keys that are missing; every other line, comments
// and variable references included, is kept byte for byte. The file is
// replaced through a temporary file and rename, so a crash mid-write leaves
// the previous file intact.
type EnvFile struct {
	Path string

	mu sync.Mutex
}

// NewEnvFile returns a backend for the dotenv file at path.
func NewEnvFile(path string) *EnvFile {
	return &EnvFile{Path: path}
}

// Load returns every key in the file. A missing file is an empty store.
func (e *EnvFile) Load(_ context.Context) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.readRaw()
	if err != nil {
		return nil, err
	}
	values, err := godotenv.Unmarshal(string(raw))
	if err != nil {
		return nil, fmt.Errorf("envfile parse %s: %w", e.Path, err)
	}
	return values, nil
}

// Save updates the given keys in place.
func (e *EnvFile) Save(_ context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.readRaw()
	if err != nil {
		return err
	}
	return writeAtomic(e.Path, updateLines(raw, values))
}

func (e *EnvFile) readRaw() ([]byte, error) {
	raw, err := os.ReadFile(e.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("envfile read %s: %w", e.Path, err)
	}
	return raw, nil
}

// assignment matches "KEY=" and "export KEY =" at the start of a line.
var assignment = regexp.MustCompile(`^\s*(export\s+)?([A-Za-z_][A-Za-z0-9_.]*)\s*=`)

// updateLines replaces the assignment of each key in values and appends the
// keys that were not found, in sorted order.
func updateLines(raw []byte, values map[string]string) []byte {
	var lines []string
	if len(raw) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	}

	written := make(map[string]bool, len(values))
	for i, line := range lines {
		m := assignment.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
		if m == nil {
			continue
		}
		v, ok := values[m[2]]
		if !ok {
			continue
		}
		lines[i] = m[1] + m[2] + "=" + quoteValue(v)
		written[m[2]] = true
	}

	missing := make([]string, 0, len(values))
	for k := range values {
		if !written[k] {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		lines = append(lines, k+"="+quoteValue(values[k]))
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

var bareValue = regexp.MustCompile(`^[A-Za-z0-9_./:@+\-]*$`)

// quoteValue leaves token-like values bare and single-quotes the rest so
// dotenv parsers read them literally, without variable expansion.
func quoteValue(v string) string {
	if bareValue.MatchString(v) {
		return v
	}
	if !strings.ContainsAny(v, "'\n") {
		return "'" + v + "'"
	}
	return strconv.Quote(v)
}

// writeAtomic writes data to a sibling temp file, syncs it and renames it over
// path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("envfile mkdir: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("envfile temp: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("envfile write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("envfile sync: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("envfile chmod: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("envfile close: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("envfile rename: %w", err)
	}
	return nil
}
