package state

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Deduplicator handles canonical URL deduplication using a Bloom filter in
// front of an exact set. Insertion order is preserved.
type Deduplicator struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	exact  map[string]struct{} // For exact matching when Bloom filter might give false positives
	order  []string
}

// NewDeduplicator creates a new deduplicator.
func NewDeduplicator(estimatedItems int) *Deduplicator {
	if estimatedItems < 1000 {
		estimatedItems = 1000
	}

	return &Deduplicator{
		filter: bloom.NewWithEstimates(uint(estimatedItems), 0.001),
		exact:  make(map[string]struct{}),
	}
}

// Add records url and reports whether it was new.
func (d *Deduplicator) Add(url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addLocked(url)
}

func (d *Deduplicator) addLocked(url string) bool {
	if d.filter.TestString(url) {
		if _, exists := d.exact[url]; exists {
			return false
		}
	}
	d.filter.AddString(url)
	d.exact[url] = struct{}{}
	d.order = append(d.order, url)
	return true
}

// Count returns the number of unique URLs seen.
func (d *Deduplicator) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// GetAll returns all URLs in insertion order.
func (d *Deduplicator) GetAll() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	urls := make([]string, len(d.order))
	copy(urls, d.order)
	return urls
}
