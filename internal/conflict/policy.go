package conflict

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Policy controls per-table resolution behavior. Critical tables never get
// field merges: their conflicts resolve by timestamp winner-takes-all so
// completion records are never silently blended.
type Policy struct {
	CriticalTables []string `toml:"critical_tables"`

	critical map[string]bool
}

// DefaultPolicy treats every table as mergeable.
func DefaultPolicy() Policy {
	return Policy{critical: map[string]bool{}}
}

// LoadPolicy reads a TOML policy file. A missing file yields the default
// policy; a malformed file is an error.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("conflict: read policy %s: %w", path, err)
	}

	var p Policy
	if err := toml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("conflict: parse policy %s: %w", path, err)
	}
	p.critical = make(map[string]bool, len(p.CriticalTables))
	for _, t := range p.CriticalTables {
		p.critical[t] = true
	}
	return p, nil
}

// IsCritical reports whether the table is flagged critical.
func (p Policy) IsCritical(table string) bool {
	return p.critical[table]
}
