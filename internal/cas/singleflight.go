package cas

import "golang.org/x/sync/singleflight"

// FetchGroup collapses concurrent resolve_and_fetch calls for the same
// digest into a single extraction (testable property 8: cache idempotence).
// The file lock in PayloadLockPath handles cross-process exclusion; this
// handles the common in-process case without paying lock/unlock overhead
// per goroutine.
type FetchGroup struct {
	group singleflight.Group
}

// NewFetchGroup creates an empty collapse group.
func NewFetchGroup() *FetchGroup {
	return &FetchGroup{}
}

// Do runs fn for key, or waits for and shares the result of an in-flight
// call already running for the same key.
func (g *FetchGroup) Do(key string, fn func() (any, error)) (any, error, bool) {
	return g.group.Do(key, fn)
}
