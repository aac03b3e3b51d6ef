package conflict

import (
	"time"
)

// Type classifies a detected conflict.
type Type string

const (
	TypeDeletion               Type = "deletion"
	TypeVersionMismatch        Type = "version_mismatch"
	TypeConcurrentModification Type = "concurrent_modification"
)

// Conflict carries both sides of a diverged entity. It is derived per queue
// item and never persisted on its own.
type Conflict struct {
	Table  string
	Type   Type
	Local  Document
	Remote Document
}

// Strategy names which side's data survives.
type Strategy string

const (
	UseLocal  Strategy = "use_local"
	UseRemote Strategy = "use_remote"
	Merge     Strategy = "merge"
	Manual    Strategy = "manual"
)

// Resolution is the resolver's decision. Data is set for UseRemote and Merge;
// a nil Data with UseRemote means the remote side deleted the entity.
type Resolution struct {
	Strategy Strategy
	Data     Document
}

// Detect classifies the divergence for a queued mutation that drew a conflict
// response. deleteOp marks a queued Delete; both documents carry an optional
// version counter.
func Detect(table string, deleteOp bool, local, remote Document) Conflict {
	c := Conflict{Table: table, Local: local, Remote: remote}

	switch {
	case deleteOp:
		c.Type = TypeDeletion
	case versionsDiffer(local, remote):
		c.Type = TypeVersionMismatch
	default:
		c.Type = TypeConcurrentModification
	}
	return c
}

func versionsDiffer(local, remote Document) bool {
	lv, lok := local.Version()
	rv, rok := remote.Version()
	return lok && rok && lv != rv
}

// Resolver applies the resolution rules. It is deterministic given the same
// conflict: the only non-input it touches is the clock, used to stamp merge
// results.
type Resolver struct {
	policy Policy
	now    func() time.Time
}

// NewResolver builds a resolver with the given table policy. A nil clock
// defaults to time.Now.
func NewResolver(policy Policy, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{policy: policy, now: now}
}

// Resolve is total over conflicts: every input maps to exactly one Resolution.
func (r *Resolver) Resolve(c Conflict) Resolution {
	switch c.Type {
	case TypeDeletion:
		// A remote delete wins; never resurrect a record the server
		// considers gone.
		return Resolution{Strategy: UseRemote, Data: nil}

	case TypeVersionMismatch:
		return resolveByVersion(c)

	case TypeConcurrentModification:
		if r.policy.IsCritical(c.Table) {
			return resolveByTimestamp(c)
		}
		return r.merge(c)

	default:
		return Resolution{Strategy: Manual}
	}
}

// resolveByVersion picks the strictly higher version; equal versions fall
// back to timestamps.
func resolveByVersion(c Conflict) Resolution {
	lv, lok := c.Local.Version()
	rv, rok := c.Remote.Version()
	if lok && rok {
		if rv > lv {
			return Resolution{Strategy: UseRemote, Data: c.Remote}
		}
		if lv > rv {
			return Resolution{Strategy: UseLocal}
		}
	}
	return resolveByTimestamp(c)
}

// resolveByTimestamp is winner-takes-all on recency. On an exact tie, or when
// neither side carries a timestamp, the remote side wins so every replica
// converges on the server's copy.
func resolveByTimestamp(c Conflict) Resolution {
	lt, lok := c.Local.UpdatedAt()
	rt, rok := c.Remote.UpdatedAt()

	switch {
	case lok && rok && lt.After(rt):
		return Resolution{Strategy: UseLocal}
	case lok && !rok:
		return Resolution{Strategy: UseLocal}
	default:
		return Resolution{Strategy: UseRemote, Data: c.Remote}
	}
}

// merge blends the two sides field by field: non-null remote fields overwrite,
// local-only fields are preserved. The result gets version max+1 and a fresh
// updated_at. Falls back to timestamp resolution when a side is missing.
func (r *Resolver) merge(c Conflict) Resolution {
	if c.Local == nil || c.Remote == nil {
		return resolveByTimestamp(c)
	}

	merged := c.Local.Clone()
	for k, v := range c.Remote {
		if v == nil {
			continue
		}
		merged[k] = v
	}

	lv, _ := c.Local.Version()
	rv, _ := c.Remote.Version()
	merged["version"] = max(lv, rv) + 1
	merged["updated_at"] = r.now().UTC().Format(time.RFC3339Nano)

	return Resolution{Strategy: Merge, Data: merged}
}
