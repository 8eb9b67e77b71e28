package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/record"
	"github.com/23skdu/cloudsync/internal/schema"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("store: object not found")

var errReadOnly = errors.New("store: write in read-only transaction")

// Tx is a store transaction. It must not be used after the function passed to
// Update or View returns.
type Tx struct {
	ctx      context.Context
	tx       *sql.Tx
	store    *Store
	writable bool
	onCommit []func()
	notice   ChangeNotice
}

// OnCommit registers fn to run after the transaction commits.
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// MarkRemote flags the resulting change notice as originating from a pull.
func (tx *Tx) MarkRemote() {
	tx.notice.Remote = true
}

func (tx *Tx) Schema() *schema.Schema {
	return tx.store.schema
}

func (tx *Tx) entity(name string) (*schema.Entity, error) {
	e, ok := tx.store.schema.Entity(name)
	if !ok {
		return nil, syncerr.NewSchemaMismatchError("store", "unknown entity "+name)
	}
	return e, nil
}

func (tx *Tx) checkWritable() error {
	if !tx.writable {
		return errReadOnly
	}
	return nil
}

// Get returns the object with the given ID or ErrNotFound.
func (tx *Tx) Get(id string) (*Object, error) {
	var (
		entity   string
		data     []byte
		modified int64
	)
	err := tx.tx.QueryRowContext(tx.ctx,
		`SELECT entity, data, modified_at FROM objects WHERE id = ?`, id).Scan(&entity, &data, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, syncerr.WrapStorageError(err, "store.Get", id)
	}
	return tx.decodeObject(id, entity, data, modified)
}

func (tx *Tx) decodeObject(id, entity string, data []byte, modified int64) (*Object, error) {
	e, err := tx.entity(entity)
	if err != nil {
		return nil, err
	}
	values, err := decodeValues(e, data)
	if err != nil {
		return nil, syncerr.WrapStorageError(err, "store.decode", id)
	}
	return &Object{ID: id, Entity: entity, Values: values, ModifiedAt: time.Unix(0, modified).UTC()}, nil
}

// Objects lists objects of an entity ordered by ID.
func (tx *Tx) Objects(entity string) ([]*Object, error) {
	rows, err := tx.tx.QueryContext(tx.ctx,
		`SELECT id, data, modified_at FROM objects WHERE entity = ? ORDER BY id`, entity)
	if err != nil {
		return nil, syncerr.WrapStorageError(err, "store.Objects", entity)
	}
	defer rows.Close()

	var out []*Object
	for rows.Next() {
		var (
			id       string
			data     []byte
			modified int64
		)
		if err := rows.Scan(&id, &data, &modified); err != nil {
			return nil, syncerr.WrapStorageError(err, "store.Objects", entity)
		}
		obj, err := tx.decodeObject(id, entity, data, modified)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// Put writes an object without logging a pending transaction. Pull uses it to
// apply remote state. It reports whether the object was newly inserted.
// Inverse relationships are kept consistent; see relink.
func (tx *Tx) Put(obj *Object) (bool, error) {
	return tx.put(obj, false)
}

// put writes obj. When track is set, objects whose serialized relationships
// change as a side effect get a pending update of their own.
func (tx *Tx) put(obj *Object, track bool) (bool, error) {
	if err := tx.checkWritable(); err != nil {
		return false, err
	}
	e, err := tx.entity(obj.Entity)
	if err != nil {
		return false, err
	}
	values, err := e.Normalize(obj.Values)
	if err != nil {
		return false, syncerr.Wrap(err, syncerr.ErrorTypeValidation, "store.Put", obj.ID)
	}
	old, err := tx.Get(obj.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		old = nil
	case err != nil:
		return false, err
	}
	exists := old != nil
	if old != nil && old.Entity != obj.Entity {
		old = nil
	}
	if err := tx.carryRelationships(e, obj.ID, old, values); err != nil {
		return false, err
	}
	data, err := encodeValues(e, values)
	if err != nil {
		return false, syncerr.Wrap(err, syncerr.ErrorTypeValidation, "store.Put", obj.ID)
	}
	if obj.ModifiedAt.IsZero() {
		obj.ModifiedAt = time.Now().UTC()
	}

	_, err = tx.tx.ExecContext(tx.ctx, `
		INSERT INTO objects (id, entity, data, modified_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET entity = excluded.entity, data = excluded.data, modified_at = excluded.modified_at`,
		obj.ID, obj.Entity, data, obj.ModifiedAt.UnixNano())
	if err != nil {
		return false, syncerr.WrapStorageError(err, "store.Put", obj.ID)
	}
	obj.Values = values

	if exists {
		tx.notice.Updated = append(tx.notice.Updated, obj.ID)
	} else {
		tx.notice.Inserted = append(tx.notice.Inserted, obj.ID)
	}
	if err := tx.relink(e, obj.ID, old, values, track); err != nil {
		return false, err
	}
	return !exists, nil
}

// Delete removes an object without logging a pending transaction. Deleting a
// missing object is not an error; the result reports whether it existed.
// References to the object are cleared.
func (tx *Tx) Delete(id string) (bool, error) {
	return tx.remove(id, false)
}

func (tx *Tx) remove(id string, track bool) (bool, error) {
	if err := tx.checkWritable(); err != nil {
		return false, err
	}
	obj, err := tx.Get(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return false, syncerr.WrapStorageError(err, "store.Delete", id)
	}
	tx.notice.Deleted = append(tx.notice.Deleted, id)
	return true, tx.nullify(obj, track)
}

// Save writes a local change and appends it to the pending transaction log.
// An empty ID is assigned a new UUID. It returns the object ID.
func (tx *Tx) Save(obj *Object) (string, error) {
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	obj.ModifiedAt = time.Now().UTC()
	inserted, err := tx.put(obj, true)
	if err != nil {
		return "", err
	}
	action := ActionUpdate
	if inserted {
		action = ActionInsert
	}
	if err := tx.appendTransaction(obj.ID, obj.Entity, action); err != nil {
		return "", err
	}
	return obj.ID, nil
}

// Remove deletes a local object and logs the deletion for push. Objects that
// referenced it get a pending update clearing the reference.
func (tx *Tx) Remove(id string) error {
	obj, err := tx.Get(id)
	if err != nil {
		return err
	}
	if _, err := tx.remove(id, true); err != nil {
		return err
	}
	return tx.appendTransaction(id, obj.Entity, ActionDelete)
}

func (tx *Tx) appendTransaction(localID, entity string, action Action) error {
	_, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO transactions (local_id, entity, action, created_at) VALUES (?, ?, ?, ?)`,
		localID, entity, string(action), time.Now().UnixNano())
	if err != nil {
		return syncerr.WrapStorageError(err, "store.appendTransaction", localID)
	}
	return nil
}

// PendingTransactions returns up to limit transactions in creation order.
// limit <= 0 returns all of them.
func (tx *Tx) PendingTransactions(limit int) ([]Transaction, error) {
	q := `SELECT seq, local_id, entity, action, created_at FROM transactions ORDER BY seq`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tx.tx.QueryContext(tx.ctx, q, args...)
	if err != nil {
		return nil, syncerr.WrapStorageError(err, "store.PendingTransactions", "query")
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t       Transaction
			action  string
			created int64
		)
		if err := rows.Scan(&t.Seq, &t.LocalID, &t.Entity, &action, &created); err != nil {
			return nil, syncerr.WrapStorageError(err, "store.PendingTransactions", "scan")
		}
		t.Action = Action(action)
		t.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// HasPending reports whether the object has unpushed transactions.
func (tx *Tx) HasPending(localID string) (bool, error) {
	var n int
	err := tx.tx.QueryRowContext(tx.ctx, `SELECT COUNT(1) FROM transactions WHERE local_id = ?`, localID).Scan(&n)
	if err != nil {
		return false, syncerr.WrapStorageError(err, "store.HasPending", localID)
	}
	return n > 0, nil
}

// DiscardTransactions drops every pending transaction of an object.
func (tx *Tx) DiscardTransactions(localID string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM transactions WHERE local_id = ?`, localID); err != nil {
		return syncerr.WrapStorageError(err, "store.DiscardTransactions", localID)
	}
	return nil
}

// PendingCount returns the number of unpushed transactions.
func (tx *Tx) PendingCount() (int, error) {
	var n int
	err := tx.tx.QueryRowContext(tx.ctx, `SELECT COUNT(1) FROM transactions`).Scan(&n)
	if err != nil {
		return 0, syncerr.WrapStorageError(err, "store.PendingCount", "count")
	}
	return n, nil
}

// DeleteTransactions removes pushed transactions by sequence number.
func (tx *Tx) DeleteTransactions(seqs []int64) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, len(seqs))
	for i, s := range seqs {
		args[i] = s
	}
	_, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM transactions WHERE seq IN (`+placeholders+`)`, args...)
	if err != nil {
		return syncerr.WrapStorageError(err, "store.DeleteTransactions", fmt.Sprintf("%d rows", len(seqs)))
	}
	return nil
}

// Entry returns the backing entry for a local object, or nil.
func (tx *Tx) Entry(localID string) (*BackingEntry, error) {
	return tx.scanEntry(`SELECT local_id, zone, record_name, record_type, version, snapshot
		FROM backing_entries WHERE local_id = ?`, localID)
}

// EntryByRecord returns the backing entry for a remote record, or nil.
func (tx *Tx) EntryByRecord(id record.ID) (*BackingEntry, error) {
	return tx.scanEntry(`SELECT local_id, zone, record_name, record_type, version, snapshot
		FROM backing_entries WHERE zone = ? AND record_name = ?`, id.Zone, id.Name)
}

func (tx *Tx) scanEntry(q string, args ...any) (*BackingEntry, error) {
	var (
		e        BackingEntry
		snapshot []byte
	)
	err := tx.tx.QueryRowContext(tx.ctx, q, args...).Scan(
		&e.LocalID, &e.RecordID.Zone, &e.RecordID.Name, &e.RecordType, &e.Version, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.WrapStorageError(err, "store.Entry", fmt.Sprint(args...))
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
			return nil, syncerr.WrapStorageError(err, "store.Entry", "snapshot")
		}
	}
	return &e, nil
}

// Entries returns every backing entry.
func (tx *Tx) Entries() ([]*BackingEntry, error) {
	rows, err := tx.tx.QueryContext(tx.ctx,
		`SELECT local_id, zone, record_name, record_type, version FROM backing_entries ORDER BY local_id`)
	if err != nil {
		return nil, syncerr.WrapStorageError(err, "store.Entries", "query")
	}
	defer rows.Close()

	var out []*BackingEntry
	for rows.Next() {
		var e BackingEntry
		if err := rows.Scan(&e.LocalID, &e.RecordID.Zone, &e.RecordID.Name, &e.RecordType, &e.Version); err != nil {
			return nil, syncerr.WrapStorageError(err, "store.Entries", "scan")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PutEntry inserts or replaces the backing entry for e.LocalID. A record
// identifier already linked to another local object is rejected.
func (tx *Tx) PutEntry(e *BackingEntry) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	var snapshot []byte
	if e.Snapshot != nil {
		var err error
		if snapshot, err = json.Marshal(e.Snapshot); err != nil {
			return syncerr.WrapStorageError(err, "store.PutEntry", "snapshot")
		}
	}
	_, err := tx.tx.ExecContext(tx.ctx, `
		INSERT INTO backing_entries (local_id, zone, record_name, record_type, version, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET zone = excluded.zone, record_name = excluded.record_name,
			record_type = excluded.record_type, version = excluded.version, snapshot = excluded.snapshot`,
		e.LocalID, e.RecordID.Zone, e.RecordID.Name, e.RecordType, e.Version, snapshot)
	if err != nil {
		return syncerr.WrapStorageError(err, "store.PutEntry", e.RecordID.String())
	}
	return nil
}

// DeleteEntry removes the backing entry for a local object.
func (tx *Tx) DeleteEntry(localID string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM backing_entries WHERE local_id = ?`, localID); err != nil {
		return syncerr.WrapStorageError(err, "store.DeleteEntry", localID)
	}
	return nil
}

// ChangeToken returns the last committed change token for a zone, or "".
func (tx *Tx) ChangeToken(zone string) (string, error) {
	var token string
	err := tx.tx.QueryRowContext(tx.ctx, `SELECT token FROM change_tokens WHERE zone = ?`, zone).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", syncerr.WrapStorageError(err, "store.ChangeToken", zone)
	}
	return token, nil
}

// SetChangeToken records the zone checkpoint. It commits with the rest of
// the transaction, so it never runs ahead of the page it describes.
func (tx *Tx) SetChangeToken(zone, token string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	_, err := tx.tx.ExecContext(tx.ctx, `
		INSERT INTO change_tokens (zone, token) VALUES (?, ?)
		ON CONFLICT(zone) DO UPDATE SET token = excluded.token`, zone, token)
	if err != nil {
		return syncerr.WrapStorageError(err, "store.SetChangeToken", zone)
	}
	return nil
}

// Metadata returns a metadata value.
func (tx *Tx) Metadata(key string) (string, bool, error) {
	var v string
	err := tx.tx.QueryRowContext(tx.ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncerr.WrapStorageError(err, "store.Metadata", key)
	}
	return v, true, nil
}

// SetMetadata stores a metadata value.
func (tx *Tx) SetMetadata(key, value string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	_, err := tx.tx.ExecContext(tx.ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return syncerr.WrapStorageError(err, "store.SetMetadata", key)
	}
	return nil
}

// InitialImportDone reports whether a first full pull has committed.
func (tx *Tx) InitialImportDone() (bool, error) {
	v, ok, err := tx.Metadata(metaInitialImport)
	return ok && v == "true", err
}

func (tx *Tx) MarkInitialImportDone() error {
	return tx.SetMetadata(metaInitialImport, "true")
}

// Defer parks a pulled record for a later cycle, counting attempts.
func (tx *Tx) Defer(rec *record.Record, reason string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return syncerr.WrapStorageError(err, "store.Defer", rec.ID.String())
	}
	_, err = tx.tx.ExecContext(tx.ctx, `
		INSERT INTO deferred_records (zone, record_name, payload, reason, attempts) VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(zone, record_name) DO UPDATE SET payload = excluded.payload, reason = excluded.reason,
			attempts = deferred_records.attempts + 1`,
		rec.ID.Zone, rec.ID.Name, payload, reason)
	if err != nil {
		return syncerr.WrapStorageError(err, "store.Defer", rec.ID.String())
	}
	return nil
}

// Deferred returns the parked records of a zone.
func (tx *Tx) Deferred(zone string) ([]DeferredRecord, error) {
	rows, err := tx.tx.QueryContext(tx.ctx,
		`SELECT payload, reason, attempts FROM deferred_records WHERE zone = ? ORDER BY record_name`, zone)
	if err != nil {
		return nil, syncerr.WrapStorageError(err, "store.Deferred", zone)
	}
	defer rows.Close()

	var out []DeferredRecord
	for rows.Next() {
		var (
			payload []byte
			d       DeferredRecord
		)
		if err := rows.Scan(&payload, &d.Reason, &d.Attempts); err != nil {
			return nil, syncerr.WrapStorageError(err, "store.Deferred", zone)
		}
		d.Record = &record.Record{}
		if err := json.Unmarshal(payload, d.Record); err != nil {
			return nil, syncerr.WrapStorageError(err, "store.Deferred", "payload")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RemoveDeferred drops a parked record.
func (tx *Tx) RemoveDeferred(id record.ID) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	_, err := tx.tx.ExecContext(tx.ctx,
		`DELETE FROM deferred_records WHERE zone = ? AND record_name = ?`, id.Zone, id.Name)
	if err != nil {
		return syncerr.WrapStorageError(err, "store.RemoveDeferred", id.String())
	}
	return nil
}

// DeferredCount returns the number of parked records across zones.
func (tx *Tx) DeferredCount() (int, error) {
	var n int
	if err := tx.tx.QueryRowContext(tx.ctx, `SELECT COUNT(1) FROM deferred_records`).Scan(&n); err != nil {
		return 0, syncerr.WrapStorageError(err, "store.DeferredCount", "count")
	}
	return n, nil
}
