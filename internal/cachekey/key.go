// Package cachekey derives content-addressed cache keys for the external
// test-data corpus. A key binds a platform namespace, a purpose namespace and
// the corpus's current content identifier, so the cache is invalidated
// exactly when the corpus content changes and never on code changes.
package cachekey

import "fmt"

// Key identifies one cache entry.
type Key struct {
	// Platform namespaces entries so different platforms never collide.
	Platform string
	// Purpose distinguishes different kinds of cached data under the same
	// platform (e.g. "datasets").
	Purpose string
	// Content is the corpus's content identifier, used verbatim.
	Content string
}

// String renders the exact key, "{platform}-{purpose}-{content}".
func (k Key) String() string {
	return fmt.Sprintf("%s-%s-%s", k.Platform, k.Purpose, k.Content)
}

// Prefix renders the fallback prefix key, "{platform}-{purpose}-". A prefix
// match restores whatever content is available for the platform and purpose,
// accepted as potentially stale.
func (k Key) Prefix() string {
	return fmt.Sprintf("%s-%s-", k.Platform, k.Purpose)
}
