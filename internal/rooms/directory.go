package rooms

import (
	"sync"

	"quickdrop/internal/models"
)

// Directory maps connection ids to their identity and room membership.
type Directory struct {
	mu      sync.RWMutex
	records map[string]models.ConnectionRecord
}

func NewDirectory() *Directory {
	return &Directory{records: make(map[string]models.ConnectionRecord)}
}

func (d *Directory) Upsert(rec models.ConnectionRecord) {
	d.mu.Lock()
	d.records[rec.ConnID] = rec
	d.mu.Unlock()
}

func (d *Directory) Get(connID string) (models.ConnectionRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[connID]
	return rec, ok
}

// Remove deletes the record and returns what was stored.
func (d *Directory) Remove(connID string) (models.ConnectionRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[connID]
	if ok {
		delete(d.records, connID)
	}
	return rec, ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}
