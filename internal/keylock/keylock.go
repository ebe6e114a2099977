// Package keylock serializes work per client key without a global lock.
package keylock

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/figsettings/fig/pkg/models"
)

// Locker hands out one mutex per client key. Entries live as long as the
// Locker; the number of keys is bounded by the number of registrations.
type Locker struct {
	locks *xsync.Map[models.ClientKey, *sync.Mutex]
}

func New() *Locker {
	return &Locker{locks: xsync.NewMap[models.ClientKey, *sync.Mutex]()}
}

// Lock blocks until the key is free and returns the matching unlock func.
func (l *Locker) Lock(key models.ClientKey) func() {
	mu, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

