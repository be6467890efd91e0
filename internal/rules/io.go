// internal/rules/io.go
package rules

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/solatis/usbwarden/internal/types"
)

/*
 * Rule file persistence.
 *
 * The rule file is line-oriented: one rule specification per line, blank
 * lines and '#' comments ignored. Saving writes the committed rule id as a
 * trailing comment so administrators can correlate file lines with ids
 * reported over IPC; ids are reassigned on load.
 *
 * SaveFile writes through a temp file and rename so a crash mid-save never
 * truncates the policy.
 */

// LoadFile reads rule specifications from path and appends each to the set
// in file order. Returns the number of rules loaded. A malformed line fails
// the whole load with its line number; the set may hold the lines already
// appended, so callers should load into a fresh set.
func LoadFile(path string, set *RuleSet) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	lineno := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, types.MaxRuleLength), types.MaxRuleLength+1)
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := set.Append(line, 0); err != nil {
			return count, fmt.Errorf("%s:%d: %w", path, lineno, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("%s:%d: %w", path, lineno, err)
	}
	return count, nil
}

// SaveFile writes all rules of the set to path in evaluation order,
// atomically replacing any existing file.
func SaveFile(path string, set *RuleSet) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rules-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, r := range set.Rules() {
		fmt.Fprintf(w, "%s # rule %d\n", Format(r), r.ID)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
