// Package mapping keeps the bidirectional link between local object IDs and
// remote record IDs. The persisted backing_entries table is the source of
// truth; Cache is a read-through layer that only learns about entries once
// the transaction that wrote them has committed.
package mapping

import (
	"context"
	"sync"

	"github.com/google/uuid"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/metrics"
	"github.com/23skdu/cloudsync/internal/record"
	"github.com/23skdu/cloudsync/internal/store"
)

// DeriveRecordName returns the remote record name for a local object. The
// same account token and local ID always produce the same name, so devices
// that create the same object independently converge on one record.
func DeriveRecordName(accountToken, localID string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(accountToken))
	return uuid.NewSHA1(ns, []byte(localID)).String()
}

// Cache maps local IDs to record IDs and back for one sync session.
type Cache struct {
	zone         string
	accountToken string

	mu       sync.RWMutex
	byLocal  map[string]record.ID
	byRecord map[record.ID]string
}

func New(zone, accountToken string) *Cache {
	return &Cache{
		zone:         zone,
		accountToken: accountToken,
		byLocal:      make(map[string]record.ID),
		byRecord:     make(map[record.ID]string),
	}
}

// Zone is the zone new records are created in.
func (c *Cache) Zone() string {
	return c.zone
}

// Warm loads every persisted entry.
func (c *Cache) Warm(ctx context.Context, s *store.Store) error {
	return s.View(ctx, func(tx *store.Tx) error {
		entries, err := tx.Entries()
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, e := range entries {
			c.byLocal[e.LocalID] = e.RecordID
			c.byRecord[e.RecordID] = e.LocalID
		}
		metrics.MappingCacheEntries.Set(float64(len(c.byLocal)))
		return nil
	})
}

// Len returns the number of cached mappings.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byLocal)
}

func (c *Cache) put(localID string, id record.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byLocal[localID]; ok {
		delete(c.byRecord, old)
	}
	c.byLocal[localID] = id
	c.byRecord[id] = localID
	metrics.MappingCacheEntries.Set(float64(len(c.byLocal)))
}

func (c *Cache) drop(localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byLocal[localID]; ok {
		delete(c.byRecord, id)
		delete(c.byLocal, localID)
	}
	metrics.MappingCacheEntries.Set(float64(len(c.byLocal)))
}

func (c *Cache) cachedRecord(localID string) (record.ID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byLocal[localID]
	return id, ok
}

func (c *Cache) cachedLocal(id record.ID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.byRecord[id]
	return l, ok
}

// In binds the cache to a store transaction.
func (c *Cache) In(tx *store.Tx) *Scope {
	return &Scope{cache: c, tx: tx}
}

// Scope resolves mappings inside one transaction, seeing that transaction's
// uncommitted entries.
type Scope struct {
	cache *Cache
	tx    *store.Tx
	// entries written in this transaction, not yet visible in the cache
	local  map[string]record.ID
	remote map[record.ID]string
}

func (s *Scope) note(localID string, id record.ID) {
	if s.local == nil {
		s.local = make(map[string]record.ID)
		s.remote = make(map[record.ID]string)
	}
	s.local[localID] = id
	s.remote[id] = localID
}

// RecordID resolves a local object to its record.
func (s *Scope) RecordID(localID string) (record.ID, bool, error) {
	if id, ok := s.local[localID]; ok {
		return id, true, nil
	}
	if id, ok := s.cache.cachedRecord(localID); ok {
		metrics.MappingCacheLookupsTotal.WithLabelValues("hit").Inc()
		return id, true, nil
	}
	metrics.MappingCacheLookupsTotal.WithLabelValues("miss").Inc()
	e, err := s.tx.Entry(localID)
	if err != nil || e == nil {
		return record.ID{}, false, err
	}
	s.tx.OnCommit(func() { s.cache.put(e.LocalID, e.RecordID) })
	return e.RecordID, true, nil
}

// LocalID resolves a record to its local object.
func (s *Scope) LocalID(id record.ID) (string, bool, error) {
	if l, ok := s.remote[id]; ok {
		return l, true, nil
	}
	if l, ok := s.cache.cachedLocal(id); ok {
		metrics.MappingCacheLookupsTotal.WithLabelValues("hit").Inc()
		return l, true, nil
	}
	metrics.MappingCacheLookupsTotal.WithLabelValues("miss").Inc()
	e, err := s.tx.EntryByRecord(id)
	if err != nil || e == nil {
		return "", false, err
	}
	s.tx.OnCommit(func() { s.cache.put(e.LocalID, e.RecordID) })
	return e.LocalID, true, nil
}

// Register creates the backing entry for a new local object, naming its
// record deterministically. An existing entry is returned unchanged.
func (s *Scope) Register(localID, recordType string) (*store.BackingEntry, error) {
	if e, err := s.tx.Entry(localID); err != nil || e != nil {
		return e, err
	}
	id := s.Derive(localID)
	if other, err := s.tx.EntryByRecord(id); err != nil {
		return nil, err
	} else if other != nil {
		return nil, syncerr.NewValidationError("mapping.Register",
			"record "+id.String()+" already belongs to "+other.LocalID)
	}
	return s.link(localID, id, recordType)
}

// Derive returns the record identifier a new local object is registered
// under.
func (s *Scope) Derive(localID string) record.ID {
	return record.ID{Zone: s.cache.zone, Name: DeriveRecordName(s.cache.accountToken, localID)}
}

// RegisterRemote links a pulled record that has no local object yet. The
// record name becomes the local ID.
func (s *Scope) RegisterRemote(id record.ID, recordType string) (*store.BackingEntry, error) {
	if e, err := s.tx.EntryByRecord(id); err != nil || e != nil {
		return e, err
	}
	localID := id.Name
	if taken, err := s.tx.Entry(localID); err != nil {
		return nil, err
	} else if taken != nil {
		localID = uuid.NewString()
	}
	return s.link(localID, id, recordType)
}

func (s *Scope) link(localID string, id record.ID, recordType string) (*store.BackingEntry, error) {
	e := &store.BackingEntry{LocalID: localID, RecordID: id, RecordType: recordType}
	if err := s.tx.PutEntry(e); err != nil {
		return nil, err
	}
	s.note(localID, id)
	s.tx.OnCommit(func() { s.cache.put(localID, id) })
	return e, nil
}

// Forget removes the entry for a deleted local object.
func (s *Scope) Forget(localID string) error {
	if err := s.tx.DeleteEntry(localID); err != nil {
		return err
	}
	if id, ok := s.local[localID]; ok {
		delete(s.local, localID)
		delete(s.remote, id)
	}
	s.tx.OnCommit(func() { s.cache.drop(localID) })
	return nil
}

// Provisional returns a resolver that also maps unregistered local objects to
// the identifiers Register would give them, without registering them.
func (s *Scope) Provisional() *Provisional {
	return &Provisional{scope: s, derived: make(map[record.ID]string)}
}

// Provisional resolves like its Scope but never fails for local objects.
type Provisional struct {
	scope   *Scope
	derived map[record.ID]string
}

func (p *Provisional) RecordID(localID string) (record.ID, bool, error) {
	id, ok, err := p.scope.RecordID(localID)
	if err != nil || ok {
		return id, ok, err
	}
	id = p.scope.Derive(localID)
	p.derived[id] = localID
	return id, true, nil
}

func (p *Provisional) LocalID(id record.ID) (string, bool, error) {
	if l, ok := p.derived[id]; ok {
		return l, true, nil
	}
	return p.scope.LocalID(id)
}
