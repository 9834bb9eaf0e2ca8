package reconcile

import (
	"sort"
	"sync"
)

// Entities counted in a Report.
const (
	EntityPlatformPermission     = "platform_permission"
	EntityPlatformRole           = "platform_role"
	EntityOrganizationPermission = "organization_permission"
	EntityOrganizationRole       = "organization_role"
	EntityBackfill               = "backfill"
	EntitySuperAdminPermission   = "superadmin_permission"
	EntitySuperAdminRole         = "superadmin_role"
)

// Outcomes counted in a Report.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
)

// Counts tallies outcomes for one entity.
type Counts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// Report summarizes a reconciliation run. It is safe for concurrent use.
type Report struct {
	mu       sync.Mutex
	entities map[string]*Counts
	skipped  []string
}

func newReport() *Report {
	return &Report{entities: make(map[string]*Counts)}
}

func (r *Report) record(entity, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.entities[entity]
	if !ok {
		c = &Counts{}
		r.entities[entity] = c
	}
	switch outcome {
	case OutcomeCreated:
		c.Created++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeSkipped:
		c.Skipped++
	default:
		c.Unchanged++
	}
}

func (r *Report) skip(entity, detail string) {
	r.record(entity, OutcomeSkipped)

	r.mu.Lock()
	r.skipped = append(r.skipped, entity+": "+detail)
	r.mu.Unlock()
}

// Counts returns the tally for entity.
func (r *Report) Counts(entity string) Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.entities[entity]; ok {
		return *c
	}
	return Counts{}
}

// Entities returns a copy of every tally keyed by entity.
func (r *Report) Entities() map[string]Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Counts, len(r.entities))
	for k, v := range r.entities {
		out[k] = *v
	}
	return out
}

// Skipped describes every item skipped because its role did not exist.
func (r *Report) Skipped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.skipped...)
	sort.Strings(out)
	return out
}

// Changed reports whether the run created or updated anything.
func (r *Report) Changed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.entities {
		if c.Created > 0 || c.Updated > 0 {
			return true
		}
	}
	return false
}
