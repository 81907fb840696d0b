package memstore

import "sync"

// kmutex is a keyed mutex: it locks and unlocks per-key instead of globally,
// so operations on unrelated sub-channels never block each other. Adapted
// from the wallet-package keyed mutex used to serialize per-output-point
// operations.
type kmutex struct {
	m sync.Map
}

func newKmutex() *kmutex {
	return &kmutex{}
}

func (k *kmutex) Lock(key interface{}) {
	m := &sync.Mutex{}
	actual, _ := k.m.LoadOrStore(key, m)
	mm := actual.(*sync.Mutex)
	mm.Lock()
	if mm != m {
		mm.Unlock()
		k.Lock(key)
		return
	}
}

func (k *kmutex) Unlock(key interface{}) {
	l, exist := k.m.Load(key)
	if !exist {
		panic("memstore: unlock of unlocked kmutex")
	}
	k.m.Delete(key)
	l.(*sync.Mutex).Unlock()
}
