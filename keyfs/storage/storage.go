// Package storage declares the external Storage/Connection contract
// spec.md §4.6 leaves abstract: the persistence of the primary
// relpath→(name,last_serial) index and the serial-numbered changelog.
// KeyFS depends only on these interfaces; concrete implementations live
// in sibling packages (sqlitestore, memstore).
package storage

import "context"

// Change is one entry of a changelog entry's `changes` map (spec §3):
// relpath -> (name, back_serial, value). Value is raw codec-encoded
// bytes; nil means deletion.
type Change struct {
	Name       string
	BackSerial int64
	Value      []byte
}

// ChangeEntry pairs a relpath with its Change. Changes is kept as a
// slice of these, not a map, because spec §4.5 requires "subscribers
// for a given serial see changes in insertion order" and a Go map
// iterates in randomized order.
type ChangeEntry struct {
	Relpath string
	Change  Change
}

// ChangelogEntry is the immutable (changes, rel_renames) pair persisted
// at a single serial (spec §3). Changes preserves the order its
// relpaths were first touched in the transaction or import batch that
// produced it.
type ChangelogEntry struct {
	Changes    []ChangeEntry
	RelRenames []string
}

// Lookup returns the Change recorded for relpath in this entry, if any.
func (e ChangelogEntry) Lookup(relpath string) (Change, bool) {
	for _, c := range e.Changes {
		if c.Relpath == relpath {
			return c.Change, true
		}
	}
	return Change{}, false
}

// Storage is the process-wide handle KeyFS.Engine owns exclusively
// (spec §3 Ownership). NextSerial/LastCommitTimestamp are the only
// mutable fields the engine touches directly; everything else goes
// through a Connection.
type Storage interface {
	// NextSerial is the next uncommitted serial; current_serial is
	// NextSerial()-1 (spec §3).
	NextSerial() int64
	SetNextSerial(int64)
	LastCommitTimestamp() int64
	SetLastCommitTimestamp(int64)

	// GetConnection opens a Connection. If closing is true the caller
	// must Close() it; if false, the backend may pool/reuse it beyond
	// the caller's own lifetime (spec §4.6).
	GetConnection(ctx context.Context, closing bool) (Connection, error)

	// GetChanges returns the changes committed at serial, in insertion
	// order, backed by a bounded LRU cache per spec §4.6.
	GetChanges(ctx context.Context, serial int64) ([]ChangeEntry, error)

	// GetRawChangelogEntry returns the whole entry at serial (changes,
	// whose Values stay codec-encoded bytes, plus rel_renames), used by
	// crash recovery to replay rel_renames.
	GetRawChangelogEntry(ctx context.Context, serial int64) (ChangelogEntry, error)

	// CacheCommitChanges seeds the GetChanges cache right after a
	// commit, before the next reader would otherwise fault it in from
	// storage (spec §4.2 step 6).
	CacheCommitChanges(serial int64, changes []ChangeEntry)

	// NotifyOnCommit wakes anything waiting on commit progress (the
	// notifier's cv_new_transaction, spec §4.2 step 7 / §4.5).
	NotifyOnCommit(serial int64)

	// Close releases any resources Storage itself owns (pools, files).
	Close() error
}

// Connection is a single logical session against Storage: one thread's
// view onto the primary index plus its own staged dirty files (spec
// §4.6, §3 Ownership — "each Transaction owns ... its connection handle
// is released at close").
type Connection interface {
	// DBReadTypedKey looks up relpath in the primary index.
	DBReadTypedKey(ctx context.Context, relpath string) (name string, lastSerial int64, ok bool, err error)
	// DBWriteTypedKey upserts relpath's primary-index row.
	DBWriteTypedKey(ctx context.Context, relpath, name string, serial int64) error

	// WriteChangelogEntry durably persists one changelog entry; this is
	// the spec §4.2 "durability point" — it must complete before any
	// side-file rename is performed.
	WriteChangelogEntry(ctx context.Context, serial int64, entry ChangelogEntry) error

	// StageDirtyFile records a pre-commit content blob (or, with
	// data == nil, a delete) for relpath, drained into rel_renames by
	// FSWriter at commit time (spec §4.2 step 1).
	StageDirtyFile(relpath string, data []byte)
	// HasDirtyFiles reports whether any file is currently staged,
	// without draining it — used by Transaction.Commit to decide
	// whether the "nothing dirty and no dirty files" no-op shortcut
	// (spec §4.3) applies.
	HasDirtyFiles() bool
	// DrainDirtyFiles returns and clears the staged dirty-file map.
	DrainDirtyFiles() map[string][]byte

	Close() error
}
