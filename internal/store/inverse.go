package store

import (
	"database/sql"
	"errors"
	"slices"
	"time"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/schema"
)

// The store owns both sides of every relationship that declares an inverse.
// Writing either side updates the other, so callers may set Folder.notes or
// Note.folder and push still sees the side that owns serialization. Deleting
// an object clears every reference to it.

func (tx *Tx) inverse(r *schema.Relationship) *schema.Relationship {
	dest, ok := tx.store.schema.Entity(r.Destination)
	if !ok {
		return nil
	}
	inv, ok := dest.Relationship(r.Inverse)
	if !ok {
		return nil
	}
	return inv
}

// carryRelationships fills inverse-maintained relationships the caller left
// out: an update keeps the stored value, an insert derives it from the
// objects already pointing at id.
func (tx *Tx) carryRelationships(e *schema.Entity, id string, old *Object, values map[string]any) error {
	for _, r := range e.Relationships {
		if r.Inverse == "" {
			continue
		}
		if _, set := values[r.Name]; set {
			continue
		}
		if old != nil {
			if v, ok := old.Values[r.Name]; ok {
				values[r.Name] = v
			}
			continue
		}
		inv := tx.inverse(r)
		if inv == nil {
			continue
		}
		ids, err := tx.referrers(r.Destination, inv, id)
		if err != nil {
			return err
		}
		switch {
		case len(ids) == 0:
		case r.ToMany:
			values[r.Name] = ids
		default:
			values[r.Name] = ids[0]
		}
	}
	return nil
}

// relink updates the inverse side for every target added to or dropped from
// a relationship of id.
func (tx *Tx) relink(e *schema.Entity, id string, old *Object, values map[string]any, track bool) error {
	for _, r := range e.Relationships {
		if r.Inverse == "" {
			continue
		}
		inv := tx.inverse(r)
		if inv == nil {
			continue
		}
		var before []string
		if old != nil {
			before = targets(old.Values[r.Name])
		}
		after := targets(values[r.Name])

		for _, t := range before {
			if slices.Contains(after, t) {
				continue
			}
			if err := tx.unlink(t, r.Destination, inv, id, track); err != nil {
				return err
			}
		}
		for _, t := range after {
			if slices.Contains(before, t) {
				continue
			}
			if err := tx.link(t, r.Destination, inv, id, track); err != nil {
				return err
			}
		}
	}
	return nil
}

// link makes rel of target point at id. A missing target is skipped; it picks
// the link up when it is inserted.
func (tx *Tx) link(target, entity string, rel *schema.Relationship, id string, track bool) error {
	obj, err := tx.related(target, entity)
	if obj == nil || err != nil {
		return err
	}
	if rel.ToMany {
		ids := targets(obj.Values[rel.Name])
		if slices.Contains(ids, id) {
			return nil
		}
		obj.Values[rel.Name] = append(slices.Clone(ids), id)
	} else {
		if cur, _ := obj.Values[rel.Name].(string); cur == id {
			return nil
		}
		obj.Values[rel.Name] = id
	}
	return tx.rewrite(obj, rel, track)
}

// unlink drops id from rel of target.
func (tx *Tx) unlink(target, entity string, rel *schema.Relationship, id string, track bool) error {
	obj, err := tx.related(target, entity)
	if obj == nil || err != nil {
		return err
	}
	if !detach(obj, rel, id) {
		return nil
	}
	return tx.rewrite(obj, rel, track)
}

// nullify clears every stored reference to the deleted object.
func (tx *Tx) nullify(deleted *Object, track bool) error {
	for _, owner := range tx.store.schema.Entities() {
		for _, rel := range owner.Relationships {
			if rel.Destination != deleted.Entity {
				continue
			}
			refs, err := tx.referrers(owner.Name, rel, deleted.ID)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				obj, err := tx.related(ref, owner.Name)
				if err != nil {
					return err
				}
				if obj == nil || !detach(obj, rel, deleted.ID) {
					continue
				}
				if err := tx.rewrite(obj, rel, track); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (tx *Tx) related(id, entity string) (*Object, error) {
	obj, err := tx.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if obj.Entity != entity {
		return nil, nil
	}
	return obj, nil
}

// rewrite stores an object changed on the inverse side. Local changes to a
// serialized relationship are logged so push sends them.
func (tx *Tx) rewrite(obj *Object, rel *schema.Relationship, track bool) error {
	if track {
		obj.ModifiedAt = time.Now().UTC()
	}
	if _, err := tx.put(obj, track); err != nil {
		return err
	}
	if track && rel.OwnsSerialization {
		return tx.appendTransaction(obj.ID, obj.Entity, ActionUpdate)
	}
	return nil
}

// referrers lists objects of entity owner whose rel holds target.
func (tx *Tx) referrers(owner string, rel *schema.Relationship, target string) ([]string, error) {
	path := `$."` + rel.Name + `"`
	var (
		rows *sql.Rows
		err  error
	)
	if rel.ToMany {
		rows, err = tx.tx.QueryContext(tx.ctx, `
			SELECT DISTINCT o.id FROM objects o, json_each(CAST(o.data AS TEXT), ?) j
			WHERE o.entity = ? AND j.value = ? ORDER BY o.id`, path, owner, target)
	} else {
		rows, err = tx.tx.QueryContext(tx.ctx, `
			SELECT id FROM objects
			WHERE entity = ? AND json_extract(CAST(data AS TEXT), ?) = ? ORDER BY id`, owner, path, target)
	}
	if err != nil {
		return nil, syncerr.WrapStorageError(err, "store.referrers", owner+"."+rel.Name)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncerr.WrapStorageError(err, "store.referrers", owner+"."+rel.Name)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// detach removes id from rel of obj and reports whether anything changed.
func detach(obj *Object, rel *schema.Relationship, id string) bool {
	if !rel.ToMany {
		if cur, _ := obj.Values[rel.Name].(string); cur != id {
			return false
		}
		obj.Values[rel.Name] = nil
		return true
	}
	ids := targets(obj.Values[rel.Name])
	i := slices.Index(ids, id)
	if i < 0 {
		return false
	}
	obj.Values[rel.Name] = slices.Delete(slices.Clone(ids), i, i+1)
	return true
}

func targets(v any) []string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	case []string:
		return x
	}
	return nil
}
