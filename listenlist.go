// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

import (
	"sync"
	"sync/atomic"
)

// ListenElement is one entry in a [*ListenList]: the identity of a listening
// socket as seen by the manager.
type ListenElement struct {
	Socket *Socket
}

// ListenList is a reference-counted, ordered registry of active listeners.
// Only the [*Manager] mutates it; callers attach/detach in pairs.
type ListenList struct {
	refs atomic.Int32
	mu   sync.Mutex
	list []ListenElement
}

// newListenList returns an empty [*ListenList] with an initial reference.
func newListenList() *ListenList {
	l := &ListenList{}
	l.refs.Store(1)
	return l
}

// Attach bumps the list's refcount.
func (l *ListenList) Attach() {
	l.refs.Add(1)
}

// Detach drops the list's refcount.
func (l *ListenList) Detach() {
	l.refs.Add(-1)
}

// Add registers a new listener in the list.
func (l *ListenList) Add(elem ListenElement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, elem)
}

// Remove drops a listener from the list.
func (l *ListenList) Remove(sock *Socket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, elem := range l.list {
		if elem.Socket == sock {
			l.list = append(l.list[:i], l.list[i+1:]...)
			return
		}
	}
}

// Elements returns a snapshot of the registered listeners, in insertion order.
func (l *ListenList) Elements() []ListenElement {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ListenElement, len(l.list))
	copy(out, l.list)
	return out
}
