package room

import "github.com/manpreetbhatti/lattice-board/internal/store"

// Outcome of reconciling a save against the stored snapshot.
type Outcome int

const (
	Unchanged Outcome = iota
	Changed
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Changed:
		return "saved"
	case Stale:
		return "stale"
	}
	return "unchanged"
}

// Decision is the result of Reconcile.
type Decision struct {
	Outcome Outcome
	// Persist is the snapshot to store when the outcome is Changed.
	Persist []store.Element
	// Deleted holds the versions of candidates marked deleted.
	Deleted map[string]int64
	// StaleID names the first candidate older than what the server knows.
	StaleID string
}

// Reconcile decides whether candidates may replace stored. A candidate whose
// version is older than the stored one (or, for deletions, older than a
// deletion this connection already saved) rejects the whole save. The server
// never merges: it accepts a full, monotonically newer element set or nothing.
func Reconcile(stored, candidates []store.Element, knownDeleted map[string]int64) Decision {
	oldVersion := make(map[string]int64, len(stored))
	for _, e := range stored {
		oldVersion[e.ID] = e.Version
	}

	changed := false
	for _, e := range candidates {
		old, ok := oldVersion[e.ID]
		if !ok {
			old = -1
		}
		if e.IsDeleted {
			if v, ok := knownDeleted[e.ID]; ok && v > old {
				old = v
			}
		}
		if old > e.Version {
			return Decision{Outcome: Stale, StaleID: e.ID}
		}
		if old < e.Version {
			changed = true
		}
	}
	if !changed {
		return Decision{Outcome: Unchanged}
	}

	d := Decision{Outcome: Changed, Deleted: map[string]int64{}}
	index := make(map[string]int, len(candidates))
	for _, e := range candidates {
		if e.IsDeleted {
			d.Deleted[e.ID] = e.Version
			continue
		}
		// ids stay unique; a repeated id keeps its first position
		if i, seen := index[e.ID]; seen {
			d.Persist[i] = e
			continue
		}
		index[e.ID] = len(d.Persist)
		d.Persist = append(d.Persist, e)
	}
	if d.Persist == nil {
		d.Persist = []store.Element{}
	}
	return d
}

// referencedFiles lists the attachment ids of live elements in first-seen order.
func referencedFiles(elements []store.Element) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, e := range elements {
		if e.IsDeleted || e.FileID == "" {
			continue
		}
		if _, ok := seen[e.FileID]; ok {
			continue
		}
		seen[e.FileID] = struct{}{}
		ids = append(ids, e.FileID)
	}
	return ids
}
