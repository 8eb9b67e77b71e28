package remote

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/record"
)

type memZone struct {
	records map[string]*record.Record
	// last change sequence per record name; tombstones have no record
	changed map[string]uint64
	// tokens older than floor are rejected
	floor uint64
}

// MemoryStore is an in-process Store. It is what tests and the daemon's
// memory backend run against.
type MemoryStore struct {
	mu       sync.Mutex
	zones    map[string]*memZone
	seq      uint64
	version  uint64
	account  Account
	pageSize int
	maxBatch int
	fault    func(method string) error
	now      func() time.Time
}

// NewMemoryStore returns an empty store with an available account.
func NewMemoryStore(accountToken string) *MemoryStore {
	return &MemoryStore{
		zones:    make(map[string]*memZone),
		account:  Account{Status: AccountAvailable, Token: accountToken},
		pageSize: 100,
		maxBatch: DefaultMaxBatchSize,
		now:      time.Now,
	}
}

// SetAccount replaces the reported account.
func (m *MemoryStore) SetAccount(a Account) {
	m.mu.Lock()
	m.account = a
	m.mu.Unlock()
}

// SetPageSize bounds how many changes one FetchChanges call returns.
func (m *MemoryStore) SetPageSize(n int) {
	m.mu.Lock()
	m.pageSize = n
	m.mu.Unlock()
}

// SetMaxBatchSize changes the write batch limit.
func (m *MemoryStore) SetMaxBatchSize(n int) {
	m.mu.Lock()
	m.maxBatch = n
	m.mu.Unlock()
}

// SetFault installs a hook consulted before every call. A non-nil error is
// returned instead of performing the call.
func (m *MemoryStore) SetFault(fn func(method string) error) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

// ExpireTokens forgets the change history of zone so every outstanding
// token becomes invalid.
func (m *MemoryStore) ExpireTokens(zone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zones[zone]; ok {
		z.floor = m.seq
	}
}

// Record returns a copy of the stored record, if any.
func (m *MemoryStore) Record(id record.ID) (*record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[id.Zone]
	if !ok {
		return nil, false
	}
	r, ok := z.records[id.Name]
	if !ok {
		return nil, false
	}
	return r.Copy(), true
}

// Len returns how many live records zone holds.
func (m *MemoryStore) Len(zone string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zones[zone]; ok {
		return len(z.records)
	}
	return 0
}

func (m *MemoryStore) enter(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fault != nil {
		return m.fault(method)
	}
	return nil
}

func (m *MemoryStore) zone(op, name string) (*memZone, error) {
	z, ok := m.zones[name]
	if !ok {
		return nil, syncerr.Wrap(ErrZoneNotFound, syncerr.ErrorTypeFatal, op, "zone "+name+" does not exist")
	}
	return z, nil
}

func (m *MemoryStore) AccountStatus(ctx context.Context) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "AccountStatus"); err != nil {
		return Account{}, err
	}
	return m.account, nil
}

func (m *MemoryStore) EnsureZone(ctx context.Context, zone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "EnsureZone"); err != nil {
		return err
	}
	if _, ok := m.zones[zone]; !ok {
		m.zones[zone] = &memZone{
			records: make(map[string]*record.Record),
			changed: make(map[string]uint64),
		}
	}
	return nil
}

func (m *MemoryStore) FetchChanges(ctx context.Context, zone, token string) (*ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "FetchChanges"); err != nil {
		return nil, err
	}
	z, err := m.zone("FetchChanges", zone)
	if err != nil {
		return nil, err
	}

	var since uint64
	if token != "" {
		since, err = strconv.ParseUint(token, 10, 64)
		if err != nil || since > m.seq || since < z.floor {
			return nil, syncerr.Wrap(ErrChangeTokenExpired, syncerr.ErrorTypeFatal, "FetchChanges", "token "+token+" is not valid for zone "+zone)
		}
	}

	type change struct {
		name string
		seq  uint64
	}
	var pending []change
	for name, seq := range z.changed {
		if seq > since {
			pending = append(pending, change{name, seq})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	cs := &ChangeSet{}
	if len(pending) > m.pageSize && m.pageSize > 0 {
		pending = pending[:m.pageSize]
		cs.MoreComing = true
	}
	last := m.seq
	if cs.MoreComing {
		last = pending[len(pending)-1].seq
	}
	for _, c := range pending {
		if r, ok := z.records[c.name]; ok {
			cs.Records = append(cs.Records, r.Copy())
		} else {
			cs.Deleted = append(cs.Deleted, record.ID{Zone: zone, Name: c.name})
		}
	}
	cs.Token = strconv.FormatUint(last, 10)
	return cs, nil
}

func (m *MemoryStore) ModifyRecords(ctx context.Context, zone string, saves []*record.Record, deletes []record.ID) (*ModifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "ModifyRecords"); err != nil {
		return nil, err
	}
	if len(saves)+len(deletes) > m.maxBatch {
		return nil, syncerr.Wrap(ErrBatchTooLarge, syncerr.ErrorTypeValidation, "ModifyRecords", "batch too large").
			WithContext("size", len(saves)+len(deletes)).WithContext("limit", m.maxBatch)
	}
	z, err := m.zone("ModifyRecords", zone)
	if err != nil {
		return nil, err
	}

	res := &ModifyResult{}
	for _, r := range saves {
		cur, exists := z.records[r.ID.Name]
		switch {
		case exists && cur.Version != r.Version:
			res.Conflicts = append(res.Conflicts, Conflict{Attempted: r.Copy(), Server: cur.Copy()})
		case !exists && r.Version != "":
			res.Conflicts = append(res.Conflicts, Conflict{Attempted: r.Copy()})
		}
	}
	if len(res.Conflicts) > 0 {
		return res, nil
	}

	now := m.now().UTC()
	for _, r := range saves {
		stored := r.Copy()
		if cur, ok := z.records[r.ID.Name]; ok {
			stored.Fields = record.CopyFields(cur.Fields)
			for name, v := range r.Fields {
				stored.Fields[name] = v.Copy()
			}
		}
		stored.ID.Zone = zone
		m.version++
		stored.Version = "v" + strconv.FormatUint(m.version, 10)
		stored.ModifiedAt = now
		z.records[stored.ID.Name] = stored
		m.seq++
		z.changed[stored.ID.Name] = m.seq
		res.Saved = append(res.Saved, stored.Copy())
	}
	for _, id := range deletes {
		if _, ok := z.records[id.Name]; ok {
			delete(z.records, id.Name)
			m.seq++
			z.changed[id.Name] = m.seq
		}
		res.Deleted = append(res.Deleted, id)
	}
	return res, nil
}

func (m *MemoryStore) MaxBatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBatch
}
