// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"strings"
	"sync"
)

// remoteLocks is a weakly-referenced map, owned by one Authenticator, from
// lowercased remote domain to a lock that serializes authentication attempts
// against that domain. Two concurrent callers naming the same domain receive
// the same lock and block one another; callers naming different domains never
// contend. Entries are dropped once no caller holds or is waiting on them.
// The zero value is ready to use.
type remoteLocks struct {
	mu      sync.Mutex
	entries map[string]*remoteLockEntry
}

type remoteLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newRemoteLocks() *remoteLocks {
	return &remoteLocks{entries: make(map[string]*remoteLockEntry)}
}

// withRemoteLock acquires (creating if necessary) the lock for domain,
// executes f while holding it, and releases it, reclaiming the entry if
// this was the last reference. f must not attempt to acquire the lock for
// any other domain; doing so risks deadlock with a concurrent caller
// locking the two domains in the opposite order.
func (r *remoteLocks) withRemoteLock(domain string, f func() error) error {
	key := strings.ToLower(domain)

	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[string]*remoteLockEntry)
	}
	entry, ok := r.entries[key]
	if !ok {
		entry = &remoteLockEntry{}
		r.entries[key] = entry
	}
	entry.refs++
	r.mu.Unlock()

	entry.mu.Lock()
	err := f()
	entry.mu.Unlock()

	r.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	return err
}
