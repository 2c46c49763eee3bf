package sqlitestore

import (
	"bytes"
	"encoding/gob"

	"github.com/devpi/keyfs/storage"
)

// gobEntryCodec serializes a storage.ChangelogEntry for the changelog
// BLOB column. This is deliberately separate from keyfs.Codec (which
// serializes individual Values with ugorji/go/codec for a language
// agnostic wire format): a ChangelogEntry's Change.Value fields are
// already-encoded bytes by the time they reach here, so this layer only
// needs to frame a slice of ChangeEntry values and a string slice, for which gob — already
// exercised once Change.Value round-trips through it unchanged — is the
// simplest correct choice and avoids a second external codec dependency
// for a purely-internal framing concern.
type gobEntryCodec struct{}

type gobEntry struct {
	Changes    []storage.ChangeEntry
	RelRenames []string
}

func (gobEntryCodec) EncodeEntry(e storage.ChangelogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobEntry{Changes: e.Changes, RelRenames: e.RelRenames}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobEntryCodec) DecodeEntry(raw []byte) (storage.ChangelogEntry, error) {
	var g gobEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&g); err != nil {
		return storage.ChangelogEntry{}, err
	}
	return storage.ChangelogEntry{Changes: g.Changes, RelRenames: g.RelRenames}, nil
}
