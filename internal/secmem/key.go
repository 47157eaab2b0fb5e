// Package secmem holds key material in memory that is locked against
// swapping and wiped when no longer needed.
package secmem

import (
	"runtime"
	"sync"
)

// Key is a secret held in locked memory. The zero value is an empty key.
type Key struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewKey copies b into locked memory and zeroes b. Locking is best effort:
// without the privilege to lock pages (RLIMIT_MEMLOCK, CAP_IPC_LOCK) the
// key is still usable, see Locked.
func NewKey(b []byte) *Key {
	k := &Key{data: make([]byte, len(b))}
	copy(k.data, b)
	Zero(b)

	if len(k.data) > 0 && lock(k.data) == nil {
		k.locked = true
	}
	runtime.SetFinalizer(k, (*Key).Wipe)
	return k
}

// Bytes returns the key. The slice aliases locked memory and is zeroed by
// Wipe; callers must not keep it past the key's lifetime.
func (k *Key) Bytes() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.data
}

// Len returns the key length, zero once wiped
func (k *Key) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.data)
}

// Locked reports whether the key's pages are locked in RAM
func (k *Key) Locked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.locked
}

// Wipe zeroes the key and unlocks its memory. Safe to call twice.
func (k *Key) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.data == nil {
		return
	}
	Zero(k.data)
	if k.locked {
		unlock(k.data)
		k.locked = false
	}
	k.data = nil
	runtime.SetFinalizer(k, nil)
}

// Zero overwrites b with zeros
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
