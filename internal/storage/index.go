package storage

import (
	"sort"
	"time"

	"jobhost/internal/job"
)

// index is the in-process entry table shared by the memory and file drivers.
// It computes new entry versions without committing them so the file driver
// can journal a change before applying it. Callers hold their own lock.
type index struct {
	entries map[string]job.Entry
}

func newIndex() *index { return &index{entries: map[string]job.Entry{}} }

func (x *index) claim(req ClaimRequest) (job.Entry, bool) {
	var best job.Entry
	found := false
	for _, e := range x.entries {
		if !claimable(e, req) {
			continue
		}
		if !found || job.Less(e, best) {
			best, found = e, true
		}
	}
	if !found {
		return job.Entry{}, false
	}
	return leased(best, req), true
}

func (x *index) upsert(e job.Entry) job.Entry {
	e.Version = 1
	if cur, ok := x.entries[e.ID]; ok {
		e.Version = cur.Version + 1
	}
	return e
}

func (x *index) update(e job.Entry) (job.Entry, error) {
	cur, ok := x.entries[e.ID]
	if !ok {
		return job.Entry{}, job.ErrNotFound
	}
	if cur.Version != e.Version {
		return job.Entry{}, job.ErrClaimConflict
	}
	e.Version++
	return e, nil
}

func (x *index) expired(now time.Time) []job.Entry {
	var out []job.Entry
	for _, e := range x.entries {
		if leaseExpired(e, now) {
			out = append(out, reclaimed(e, now))
		}
	}
	return out
}

func (x *index) prunable(before time.Time) []string {
	var out []string
	for id, e := range x.entries {
		if prunable(e, before) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (x *index) query(f job.Filter) []job.Entry {
	out := make([]job.Entry, 0)
	for _, e := range x.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (x *index) earliestDue() (time.Time, bool) {
	var (
		first time.Time
		ok    bool
	)
	for _, e := range x.entries {
		if e.State == job.StatePending && (!ok || e.DueAt.Before(first)) {
			first, ok = e.DueAt, true
		}
	}
	return first, ok
}

func (x *index) put(e job.Entry) { x.entries[e.ID] = e }

func (x *index) del(id string) bool {
	_, ok := x.entries[id]
	delete(x.entries, id)
	return ok
}

func sortEntries(es []job.Entry) {
	sort.Slice(es, func(i, j int) bool { return job.Less(es[i], es[j]) })
}
