package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// seqDedupe remembers the highest applied sequence number per source.
type seqDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newSeqDedupe(size int) *seqDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &seqDedupe{lru: c}
}

// stale reports whether seq is not newer than the last one recorded for key.
func (d *seqDedupe) stale(key string, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(key)
	return ok && seq <= last
}

func (d *seqDedupe) record(key string, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && seq <= last {
		return
	}
	d.lru.Add(key, seq)
}
