// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package breakpoint implements the shared address -> saved-original-byte
// table used both for user breakpoints and for the ephemeral points the
// step mechanism installs. Per the design notes, the registry is owned
// by the session and borrowed exclusively for the duration of a single
// inferior operation rather than held by reference inside the inferior.
package breakpoint

import "sort"

// Unpatched is the sentinel saved byte recorded for an address that has
// been requested but not yet patched into a live inferior's text.
const Unpatched = 0

// Registry maps a patched text address to the byte that lived there
// before the trap instruction was written.
type Registry struct {
	saved map[uintptr]byte
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{saved: make(map[uintptr]byte)}
}

// Insert records addr with the given saved byte, overwriting any prior
// entry. Used both for "insert with sentinel" (no inferior live) and
// "insert with the real original byte" (inferior live, already patched).
func (r *Registry) Insert(addr uintptr, saved byte) {
	r.saved[addr] = saved
}

// Lookup reports the saved byte for addr and whether addr is present.
func (r *Registry) Lookup(addr uintptr) (byte, bool) {
	b, ok := r.saved[addr]
	return b, ok
}

// Delete removes addr. Used only by the pending-step registry, which
// consumes an entry once the step point is hit; user breakpoints are
// never removed (no "delete breakpoint" command exists).
func (r *Registry) Delete(addr uintptr) {
	delete(r.saved, addr)
}

// Len reports the number of addresses currently tracked.
func (r *Registry) Len() int {
	return len(r.saved)
}

// Addrs returns every tracked address in ascending order, for
// deterministic iteration when (re-)patching a freshly spawned inferior.
func (r *Registry) Addrs() []uintptr {
	out := make([]uintptr, 0, len(r.saved))
	for a := range r.saved {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear removes every entry. Used to reset the pending-step registry on
// every fresh spawn, since step points from a previous life target
// addresses that mean nothing in a freshly exec'd image; user
// breakpoints use a distinct Registry and are never cleared this way.
func (r *Registry) Clear() {
	r.saved = make(map[uintptr]byte)
}
