package dedup

import "sync"

// Interface records keys and reports whether they were recorded before.
type Interface interface {
	Seen(key string) bool
}

// Memory is a process-local store. Flags are forgotten on restart.
type Memory struct{ m sync.Map }

func NewMemory() *Memory { return &Memory{} }

func (d *Memory) Seen(key string) bool {
	_, ok := d.m.LoadOrStore(key, struct{}{})
	return ok
}

// Forget drops a key so the next Seen reports it as new.
func (d *Memory) Forget(key string) { d.m.Delete(key) }
