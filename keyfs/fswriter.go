package keyfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/devpi/keyfs/storage"
)

// renameOp is one pending side-file commit action (spec §4.2's
// record_rename_file). Per the rel_renames wire format (spec
// glossary), a non-delete entry is always "rename Dest+\"-tmp\" to
// Dest" — content reaches Dest+"-tmp" through a Connection's
// dirty_files, which finish writes out before recording the rename with
// recordRenameFile, and FSWriter performs the rename at commit time.
type renameOp struct {
	Dest     string
	IsDelete bool
}

// FSWriter is the scoped commit operation of spec §4.2. It is
// constructed with an open Connection, accumulates a changes map and a
// rename plan, and is driven to completion by finish() or undone by
// abort() — the Go equivalent of the spec's "scoped exit with/without
// error," made explicit since Go has no context-manager/RAII construct
// to hang this on automatically. finish calls abort itself when it fails
// before the changelog entry is written; Transaction.Commit and
// Engine.ImportChanges call abort when recordSet or an import subscriber
// fails. No recover is installed around any of these calls, so a panic
// leaves already staged -tmp files in place.
type FSWriter struct {
	engine *Engine
	conn   storage.Connection

	nextSerial   int64
	changes      map[string]storage.Change
	changeOrder  []string // relpaths in first-touched order (spec §4.5)
	indexUpdates map[string]string // relpath -> name
	renames      []renameOp
}

func newFSWriter(e *Engine, conn storage.Connection) *FSWriter {
	return &FSWriter{
		engine:       e,
		conn:         conn,
		nextSerial:   e.storage.NextSerial(),
		changes:      make(map[string]storage.Change),
		indexUpdates: make(map[string]string),
	}
}

// recordSet implements spec §4.2's record_set: stage a change and the
// eventual primary-index update. value == nil means delete. relpath's
// position in changeOrder is fixed the first time it's touched, so
// delivery order matches the order callers called Set/Delete/import in
// (spec §4.5: "subscribers see changes in insertion order").
func (w *FSWriter) recordSet(ctx context.Context, key TypedKey, value Value) error {
	relpath := key.relpath

	_, backSerial, ok, err := w.conn.DBReadTypedKey(ctx, relpath)
	if err != nil {
		return wrapStorage(err, "record_set(%s): db_read_typedkey", relpath)
	}
	if !ok {
		backSerial = -1
	}

	var raw []byte
	if value != nil {
		raw, err = w.engine.codec.Encode(value)
		if err != nil {
			return fmt.Errorf("keyfs: encode value for %s: %w", relpath, err)
		}
	}

	if _, exists := w.changes[relpath]; !exists {
		w.changeOrder = append(w.changeOrder, relpath)
	}
	w.changes[relpath] = storage.Change{Name: key.name, BackSerial: backSerial, Value: raw}
	w.indexUpdates[relpath] = key.name
	return nil
}

// StageFile stages raw content for commit at relpath (data == nil stages
// a delete), the one FSWriter operation exposed outside this package so
// an ImportSubscriber can "stage additional files via the writer" per
// spec §4.4. It is equivalent to what Connection.StageDirtyFile records
// for a Transaction's own dirty_files, just reachable from import code
// that only has a *FSWriter, not a Transaction.
func (w *FSWriter) StageFile(relpath string, data []byte) {
	w.conn.StageDirtyFile(relpath, data)
}

// recordRenameFile implements spec §4.2's record_rename_file by
// appending dest to the rename plan. isDelete=true means "no content
// staged, just delete dest"; otherwise the content is expected at
// dest+"-tmp".
func (w *FSWriter) recordRenameFile(dest string, isDelete bool) {
	w.renames = append(w.renames, renameOp{Dest: dest, IsDelete: isDelete})
}

// abort implements spec §4.2's "on scoped exit with error" path: pop
// pending renames in reverse, removing any staged -tmp file.
func (w *FSWriter) abort(ctx context.Context) {
	for i := len(w.renames) - 1; i >= 0; i-- {
		r := w.renames[i]
		if r.IsDelete {
			continue
		}
		tmp := filepath.Join(w.engine.conf.cfg.BaseDir, r.Dest+"-tmp")
		_ = os.Remove(tmp)
	}
}

// finish implements spec §4.2's "on scoped exit without error" sequence
// and returns the serial the entry was written at.
func (w *FSWriter) finish(ctx context.Context) (int64, error) {
	baseDir := w.engine.conf.cfg.BaseDir

	// Step 1: drain the connection's dirty-file staging, writing each
	// blob to dest-tmp first.
	for relpath, data := range w.conn.DrainDirtyFiles() {
		if data == nil {
			w.recordRenameFile(relpath, true)
			continue
		}
		if err := writeStagedTemp(baseDir, relpath, data); err != nil {
			w.abort(ctx)
			return 0, err
		}
		w.recordRenameFile(relpath, false)
	}

	// Step 2: build rel_renames in basedir-relative wire form.
	relRenames := make([]string, len(w.renames))
	for i, r := range w.renames {
		if r.IsDelete {
			relRenames[i] = r.Dest
		} else {
			relRenames[i] = r.Dest + "-tmp"
		}
	}

	// Step 3: durability point. Apply index updates and write the
	// changelog entry; retried per Config.StorageRetry.
	orderedChanges := make([]storage.ChangeEntry, len(w.changeOrder))
	for i, relpath := range w.changeOrder {
		orderedChanges[i] = storage.ChangeEntry{Relpath: relpath, Change: w.changes[relpath]}
	}
	entry := storage.ChangelogEntry{Changes: orderedChanges, RelRenames: relRenames}
	err := w.engine.withStorageRetry(ctx, func() error {
		for relpath, name := range w.indexUpdates {
			if err := w.conn.DBWriteTypedKey(ctx, relpath, name, w.nextSerial); err != nil {
				return err
			}
		}
		return w.conn.WriteChangelogEntry(ctx, w.nextSerial, entry)
	})
	if err != nil {
		w.abort(ctx)
		return 0, wrapStorage(err, "write_changelog_entry(%d)", w.nextSerial)
	}

	// Step 4: perform the renames/deletes now that the entry is durable.
	for _, r := range w.renames {
		wireEntry := r.Dest
		if !r.IsDelete {
			wireEntry += "-tmp"
		}
		if err := applyRelRename(baseDir, wireEntry, false); err != nil {
			return 0, err
		}
	}

	// Steps 5-7: advance serial, cache, notify.
	w.engine.storage.SetNextSerial(w.nextSerial + 1)
	w.engine.storage.SetLastCommitTimestamp(time.Now().UnixNano())
	w.engine.storage.CacheCommitChanges(w.nextSerial, orderedChanges)
	w.engine.storage.NotifyOnCommit(w.nextSerial)
	w.engine.metrics.SetCurrentSerial(w.nextSerial)
	w.engine.notifier.wakeNewTransaction()

	return w.nextSerial, nil
}

// writeStagedTemp writes data to baseDir/relpath+"-tmp", creating
// parent directories as needed (spec §4.2 step 1, §6 atomic write
// discipline's "create directory on demand" half — the rename half
// happens later, in applyRelRename, once the changelog entry is
// durable).
func writeStagedTemp(baseDir, relpath string, data []byte) error {
	tmp := filepath.Join(baseDir, relpath+"-tmp")
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return errors.Wrapf(err, "keyfs: mkdir for %s", tmp)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "keyfs: write staged temp file %s", tmp)
	}
	return nil
}

// applyRelRename completes one rel_renames wire entry (spec glossary):
// a "-tmp" suffixed entry renames the temp file to its stripped form; a
// plain entry removes that path, ignoring a missing file. During crash
// recovery (duringRecovery=true) a missing temp file is expected once
// the commit it belongs to already completed (spec §4.4 step 2).
func applyRelRename(baseDir, wireEntry string, duringRecovery bool) error {
	if strings.HasSuffix(wireEntry, "-tmp") {
		stripped := strings.TrimSuffix(wireEntry, "-tmp")
		tmpPath := filepath.Join(baseDir, wireEntry)
		finalPath := filepath.Join(baseDir, stripped)

		if _, err := os.Stat(tmpPath); err == nil {
			if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
				return errors.Wrapf(err, "keyfs: mkdir for %s", finalPath)
			}
			if err := renameReplacing(tmpPath, finalPath); err != nil {
				return errors.Wrapf(err, "keyfs: rename %s -> %s", tmpPath, finalPath)
			}
			return nil
		}
		if duringRecovery {
			if _, err := os.Stat(finalPath); err != nil {
				return fmt.Errorf("%w: crash recovery: neither %s nor %s exists", ErrStorageFailure, tmpPath, finalPath)
			}
			return nil
		}
		return fmt.Errorf("%w: expected staged temp file %s to exist", ErrStorageFailure, tmpPath)
	}

	path := filepath.Join(baseDir, wireEntry)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "keyfs: remove %s", path)
	}
	return nil
}
