package keyfs

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

// Codec is the pluggable byte-serialization boundary for structured
// values (spec §2.1). KeyFS depends only on this interface; the default
// implementation below is a concrete choice, not a requirement.
type Codec interface {
	Encode(v Value) ([]byte, error)
	Decode(raw []byte, kind ValueKind) (Value, error)
}

// wireValue is the on-the-wire shape a Codec actually (de)serializes;
// Value itself is kept as an interface so the wire encoding never needs
// to know about MappingValue/SequenceValue/SetValue/ScalarValue structs
// directly.
type wireValue struct {
	Kind    uint8             `codec:"k"`
	Mapping map[string]wireValue `codec:"m,omitempty"`
	Seq     []wireValue       `codec:"s,omitempty"`
	Set     []string          `codec:"t,omitempty"`
	Scalar  any               `codec:"v,omitempty"`
}

func toWire(v Value) wireValue {
	switch vv := v.(type) {
	case *MappingValue:
		m := make(map[string]wireValue, vv.Len())
		for _, k := range vv.Keys() {
			child, _ := vv.Get(k)
			m[k] = toWire(child)
		}
		return wireValue{Kind: uint8(KindMapping), Mapping: m}
	case *SequenceValue:
		s := make([]wireValue, vv.Len())
		for i := 0; i < vv.Len(); i++ {
			s[i] = toWire(vv.At(i))
		}
		return wireValue{Kind: uint8(KindSequence), Seq: s}
	case *SetValue:
		return wireValue{Kind: uint8(KindSet), Set: vv.Members()}
	case ScalarValue:
		return wireValue{Kind: uint8(KindScalar), Scalar: vv.Raw()}
	default:
		panic("keyfs: codec: unknown Value implementation")
	}
}

func fromWire(w wireValue) Value {
	switch ValueKind(w.Kind) {
	case KindMapping:
		m := make(map[string]Value, len(w.Mapping))
		for k, child := range w.Mapping {
			m[k] = fromWire(child)
		}
		return NewMapping(m)
	case KindSequence:
		items := make([]Value, len(w.Seq))
		for i, child := range w.Seq {
			items[i] = fromWire(child)
		}
		return NewSequence(items)
	case KindSet:
		return NewSet(w.Set)
	case KindScalar:
		return NewScalar(w.Scalar)
	default:
		return EmptyValue(ValueKind(w.Kind))
	}
}

// MsgpackCodec implements Codec with github.com/ugorji/go/codec's
// msgpack handle, giving the stored value tree a compact, language
// agnostic wire format (in keeping with this engine's origin as a
// package index's general-purpose store, not a Go-only cache).
type MsgpackCodec struct {
	handle *codec.MsgpackHandle
}

func NewMsgpackCodec() *MsgpackCodec {
	h := &codec.MsgpackHandle{}
	h.MapType = nil
	// Use msgpack's str/bin types so a decoded scalar comes back as a
	// string or a []byte, matching what was encoded.
	h.WriteExt = true
	return &MsgpackCodec{handle: h}
}

func (c *MsgpackCodec) Encode(v Value) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, c.handle)
	if err := enc.Encode(toWire(v)); err != nil {
		return nil, errors.Wrap(err, "keyfs: msgpack encode")
	}
	return buf, nil
}

func (c *MsgpackCodec) Decode(raw []byte, kind ValueKind) (Value, error) {
	var w wireValue
	dec := codec.NewDecoderBytes(raw, c.handle)
	if err := dec.Decode(&w); err != nil {
		return nil, errors.Wrap(err, "keyfs: msgpack decode")
	}
	return fromWire(w), nil
}

// atomicWriteFile implements the spec §6 atomic write discipline: write
// to path+"-tmp" (creating parent directories as needed), then rename
// into place, unlinking an existing destination first on platforms that
// reject rename-over-existing (spec §4.2 step 4, §9 open question).
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "keyfs: mkdir for %s", path)
	}
	tmp := path + "-tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrapf(err, "keyfs: write temp file %s", tmp)
	}
	if err := renameReplacing(tmp, path); err != nil {
		return errors.Wrapf(err, "keyfs: rename %s -> %s", tmp, path)
	}
	return nil
}

// renameReplacing performs rename(src, dst), removing dst first if the
// initial rename fails because dst already exists — the ad hoc
// Windows-rename-over-existing handling the spec §4.2/§9 calls for.
func renameReplacing(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if os.IsExist(err) || isWindowsAccessDenied(err) {
		if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
			return err
		}
		return os.Rename(src, dst)
	}
	return err
}

// isWindowsAccessDenied recognizes the class of rename errors Windows
// raises when the destination exists; kept as a narrow, named check so
// renameReplacing's special case is self-documenting rather than a bare
// errors.Is(err, os.ErrExist) that a reader would have to cross-reference
// with the platform's syscall docs.
func isWindowsAccessDenied(err error) bool {
	return os.IsPermission(err)
}
