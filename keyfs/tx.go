package keyfs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/devpi/keyfs/storage"
)

// txState mirrors the teacher's txState finite state machine in
// mvcc/tx.go: active -> committed | rolledBack.
type txState uint32

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

type cacheEntry struct {
	key   TypedKey
	value Value // always frozen
}

type dirtyEntry struct {
	key   TypedKey
	value Value // nil means "deleted"
}

// Transaction is a read or write transaction bound to a single
// goroutine's call chain (spec §4.3). Like the teacher's Tx, it is not
// safe to share across goroutines concurrently — ownership is by
// convention (the context.Context it was handed out on), not enforced
// by a lock, matching database/sql's *sql.Tx contract.
type Transaction struct {
	engine *Engine

	atSerial int64
	write    bool
	traceID  string

	cache      map[string]cacheEntry
	dirty      map[string]dirtyEntry
	dirtyOrder []string // relpaths in first-touched order (spec §4.5)

	conn storage.Connection

	state        atomic.Uint32
	commitSerial int64

	heldWriteLock bool
}

func newTransaction(e *Engine, write bool, atSerial int64, conn storage.Connection) *Transaction {
	tx := &Transaction{
		engine:        e,
		atSerial:      atSerial,
		write:         write,
		traceID:       uuid.NewString(),
		cache:         make(map[string]cacheEntry),
		dirty:         make(map[string]dirtyEntry),
		conn:          conn,
		commitSerial:  -1,
		heldWriteLock: write,
	}
	return tx
}

func (tx *Transaction) checkActive() error {
	if txState(tx.state.Load()) != txActive {
		return ErrClosed
	}
	return nil
}

func (tx *Transaction) lookupCachedKey(relpath string) (TypedKey, bool) {
	if e, ok := tx.cache[relpath]; ok {
		return e.key, true
	}
	if e, ok := tx.dirty[relpath]; ok {
		return e.key, true
	}
	return TypedKey{}, false
}

// AtSerial is the transaction's pinned snapshot point.
func (tx *Transaction) AtSerial() int64 { return tx.atSerial }

// IsWrite reports whether this is a write transaction.
func (tx *Transaction) IsWrite() bool { return tx.write }

// TraceID is a per-transaction correlation ID for structured logs
// (SPEC_FULL.md ambient logging section).
func (tx *Transaction) TraceID() string { return tx.traceID }

// Get implements spec §4.3's get(key, readonly). When readonly is
// false, the caller receives a private mutable deep copy, matching the
// spec's "writers receive mutable deep copies so caller mutation cannot
// corrupt the cache."
func (tx *Transaction) Get(ctx context.Context, key TypedKey, readonly bool) (Value, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	relpath := key.cacheKey()

	var v Value
	if e, ok := tx.cache[relpath]; ok {
		v = e.value
	} else if _, deleted := tx.dirty[relpath]; deleted {
		v = EmptyValue(key.ValueKind())
	} else {
		got, err := tx.engine.getValueAt(ctx, key, tx.atSerial)
		if err != nil {
			if isAbsent(err) {
				v = EmptyValue(key.ValueKind())
			} else {
				return nil, err
			}
		} else {
			v = got
			tx.cache[relpath] = cacheEntry{key: key, value: v}
		}
	}

	if readonly {
		return v.Freeze(), nil
	}
	return v.Clone(), nil
}

// DeriveKey implements spec §4.1's derive_key as a thread-bound
// operation: resolve relpath to a TypedKey, consulting this
// transaction's own cache before the primary index, and requiring name
// only when relpath has no index row yet.
func (tx *Transaction) DeriveKey(ctx context.Context, relpath string, name string) (TypedKey, error) {
	if err := tx.checkActive(); err != nil {
		return TypedKey{}, err
	}
	return tx.engine.registry.Derive(ctx, relpath, name, tx, tx.conn)
}

// Exists implements spec §4.3's exists(key).
func (tx *Transaction) Exists(ctx context.Context, key TypedKey) (bool, error) {
	if err := tx.checkActive(); err != nil {
		return false, err
	}
	relpath := key.cacheKey()
	if _, ok := tx.cache[relpath]; ok {
		return true, nil
	}
	if _, deleted := tx.dirty[relpath]; deleted {
		return false, nil
	}
	_, err := tx.engine.getValueAt(ctx, key, tx.atSerial)
	if err != nil {
		if isAbsent(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Set implements spec §4.3's set(key, value): writer-only, type-checked
// against key.ValueKind().
func (tx *Transaction) Set(key TypedKey, value Value) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if !tx.write {
		return ErrReadOnly
	}
	if err := typeCheck(key, value); err != nil {
		return err
	}
	relpath := key.cacheKey()
	frozen := value.Freeze()
	tx.cache[relpath] = cacheEntry{key: key, value: frozen}
	if _, exists := tx.dirty[relpath]; !exists {
		tx.dirtyOrder = append(tx.dirtyOrder, relpath)
	}
	tx.dirty[relpath] = dirtyEntry{key: key, value: frozen}
	return nil
}

// Delete implements spec §4.3's delete(key).
func (tx *Transaction) Delete(key TypedKey) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if !tx.write {
		return ErrReadOnly
	}
	relpath := key.cacheKey()
	delete(tx.cache, relpath)
	if _, exists := tx.dirty[relpath]; !exists {
		tx.dirtyOrder = append(tx.dirtyOrder, relpath)
	}
	tx.dirty[relpath] = dirtyEntry{key: key, value: nil}
	return nil
}

// StageFile stages raw content for commit at relpath on this
// transaction's own connection (data == nil stages a delete), letting a
// write transaction commit a dirty file with no accompanying key
// set/delete (spec §4.3's "nothing dirty and no dirty files" no-op
// condition implies this is a distinct, valid case).
func (tx *Transaction) StageFile(relpath string, data []byte) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if !tx.write {
		return ErrReadOnly
	}
	tx.conn.StageDirtyFile(relpath, data)
	return nil
}

// Update reads a mutable copy of key's current value, hands it to fn,
// and Sets the result — a convenience read-modify-write wrapper named
// in spec §6's public surface ("get/set/delete/exists/update").
func (tx *Transaction) Update(ctx context.Context, key TypedKey, fn func(Value) error) error {
	v, err := tx.Get(ctx, key, false)
	if err != nil {
		return err
	}
	if err := fn(v); err != nil {
		return err
	}
	return tx.Set(key, v)
}

// Commit implements spec §4.3's commit(). It returns the serial the
// transaction observed: atSerial for a read-tx or a no-op write-tx, or
// the freshly written commit serial otherwise.
func (tx *Transaction) Commit(ctx context.Context) (int64, error) {
	if !tx.state.CompareAndSwap(uint32(txActive), uint32(txCommitted)) {
		return 0, ErrClosed
	}
	defer tx.release()

	if !tx.write {
		return tx.atSerial, nil
	}
	if len(tx.dirty) == 0 && !tx.conn.HasDirtyFiles() {
		return tx.atSerial, nil
	}

	fsw := newFSWriter(tx.engine, tx.conn)
	for _, relpath := range tx.dirtyOrder {
		d := tx.dirty[relpath]
		if err := fsw.recordSet(ctx, d.key, d.value); err != nil {
			fsw.abort(ctx)
			tx.state.Store(uint32(txRolledBack))
			return 0, err
		}
	}
	serial, err := fsw.finish(ctx)
	if err != nil {
		tx.state.Store(uint32(txRolledBack))
		return 0, err
	}
	tx.commitSerial = serial
	tx.engine.metrics.IncCommits()
	return serial, nil
}

// Rollback implements spec §4.3's rollback(): discard state, close the
// connection, release the write lock if held. Safe to call more than
// once, matching the teacher's Tx.Rollback idempotency.
func (tx *Transaction) Rollback() {
	if !tx.state.CompareAndSwap(uint32(txActive), uint32(txRolledBack)) {
		return
	}
	if tx.write {
		tx.engine.metrics.IncRollbacks()
	}
	tx.release()
}

func (tx *Transaction) release() {
	if tx.conn != nil {
		tx.conn.Close()
	}
	if tx.heldWriteLock {
		tx.engine.releaseWriteLock(tx)
		tx.heldWriteLock = false
	}
	tx.engine.metrics.DecActiveTransactions()
}

// Restart implements spec §4.3's restart(write?): commit the current
// transaction, then reinitialize in place as a new one at the fresh
// current serial. Restarting read-from-write is not supported, matching
// the spec ("Restarting as write from read is supported; restarting
// read from write is not").
func (tx *Transaction) Restart(ctx context.Context, write bool) error {
	if tx.write && !write {
		return fmt.Errorf("%w: cannot restart a write transaction as read-only", ErrReadOnly)
	}
	if _, err := tx.Commit(ctx); err != nil {
		return err
	}

	fresh, err := tx.engine.begin(ctx, write)
	if err != nil {
		return err
	}
	*tx = *fresh
	return nil
}

func isAbsent(err error) bool {
	return err != nil && (errors.Is(err, ErrKeyAbsent) || errors.Is(err, ErrNotFound))
}
