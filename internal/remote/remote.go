// Package remote defines the boundary to the cloud record store.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/cloudsync/internal/record"
)

// DefaultMaxBatchSize is the largest write batch a store accepts unless it
// says otherwise.
const DefaultMaxBatchSize = 400

var (
	// ErrZoneNotFound is the cause of errors for zones that were never created.
	ErrZoneNotFound = errors.New("zone not found")
	// ErrChangeTokenExpired means the store can no longer serve changes since
	// the given token; the caller must start over from an empty token.
	ErrChangeTokenExpired = errors.New("change token expired")
	// ErrBatchTooLarge is returned when a write exceeds MaxBatchSize.
	ErrBatchTooLarge = errors.New("batch exceeds the store limit")
)

// AccountStatus is the state of the signed-in account.
type AccountStatus int

const (
	AccountCouldNotDetermine AccountStatus = iota
	AccountAvailable
	AccountRestricted
	AccountNoAccount
)

func (s AccountStatus) String() string {
	switch s {
	case AccountAvailable:
		return "available"
	case AccountRestricted:
		return "restricted"
	case AccountNoAccount:
		return "no_account"
	case AccountCouldNotDetermine:
		return "could_not_determine"
	}
	return fmt.Sprintf("account_status(%d)", int(s))
}

// Account describes the identity the store acts for. Token is stable per
// account and seeds deterministic record names.
type Account struct {
	Status AccountStatus
	Token  string
}

// ChangeSet is one page of changes since a token.
type ChangeSet struct {
	Records    []*record.Record
	Deleted    []record.ID
	Token      string
	MoreComing bool
}

// Conflict is a save rejected because its version was stale. Server is the
// record's current state, or nil if it was deleted on the server.
type Conflict struct {
	Attempted *record.Record
	Server    *record.Record
}

// ModifyResult reports a batch write. Saved and Deleted list what was applied.
// The memory store applies nothing when any save conflicts; stores without
// multi-object transactions may apply part of a batch.
type ModifyResult struct {
	Saved     []*record.Record
	Deleted   []record.ID
	Conflicts []Conflict
}

// Store is a versioned record store partitioned into zones.
type Store interface {
	AccountStatus(ctx context.Context) (Account, error)
	EnsureZone(ctx context.Context, zone string) error
	// FetchChanges returns changes after token; an empty token starts from
	// the beginning of the zone's history.
	FetchChanges(ctx context.Context, zone, token string) (*ChangeSet, error)
	// ModifyRecords saves and deletes records in one batch. A save with an
	// empty Version creates the record; otherwise Version must match the
	// stored version. Saved fields replace the stored fields of the same name
	// and other stored fields are kept. Deleting an absent record succeeds.
	ModifyRecords(ctx context.Context, zone string, saves []*record.Record, deletes []record.ID) (*ModifyResult, error)
	MaxBatchSize() int
}
