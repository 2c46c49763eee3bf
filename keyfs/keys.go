package keyfs

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Key is the registered schema for a family of relpaths: either a
// StaticKey (one literal relpath) or a ParamKey (a templated pattern).
// It mirrors spec §3's "name/pattern/type" key schema.
type Key interface {
	Name() string
	Pattern() string
	ValueKind() ValueKind
	// static reports whether this Key has no {placeholder} segments.
	static() bool
}

type baseKey struct {
	name    string
	pattern string
	kind    ValueKind
}

func (k *baseKey) Name() string       { return k.name }
func (k *baseKey) Pattern() string    { return k.pattern }
func (k *baseKey) ValueKind() ValueKind { return k.kind }

// StaticKey is a Key whose pattern has no placeholders: its relpath is
// always the literal pattern text.
type StaticKey struct {
	*baseKey
}

func (k *StaticKey) static() bool { return true }

// Relpath returns the single TypedKey this StaticKey ever produces.
func (k *StaticKey) Relpath() string { return k.pattern }

// TypedKey returns the concrete, relpath-bound handle for this key.
func (k *StaticKey) TypedKey() TypedKey {
	return TypedKey{name: k.name, relpath: k.pattern, kind: k.kind}
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ParamKey is a Key whose pattern contains one or more {segment}
// placeholders, each matching any run of non-"/" characters (spec §4.1,
// §6 grammar).
type ParamKey struct {
	*baseKey
	paramNames []string
	matchRe    *regexp.Regexp
}

func newParamKey(name, pattern string, kind ValueKind) *ParamKey {
	names := []string{}
	for _, m := range placeholderRe.FindAllStringSubmatch(pattern, -1) {
		names = append(names, m[1])
	}
	// Escape literal '+' per the grammar in spec §6, then substitute
	// placeholders with a named, "not a slash" capture group.
	escaped := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\{`, "{")
	escaped = strings.ReplaceAll(escaped, `\}`, "}")
	reSrc := placeholderRe.ReplaceAllStringFunc(escaped, func(seg string) string {
		name := placeholderRe.FindStringSubmatch(seg)[1]
		return fmt.Sprintf("(?P<%s>[^/]+)", name)
	})
	return &ParamKey{
		baseKey:    &baseKey{name: name, pattern: pattern, kind: kind},
		paramNames: names,
		matchRe:    regexp.MustCompile("^" + reSrc + "$"),
	}
}

func (k *ParamKey) static() bool { return false }

// Apply substitutes params into the pattern, producing a concrete
// TypedKey. Per spec §4.1, any value containing '/' is rejected.
func (k *ParamKey) Apply(params map[string]string) (TypedKey, error) {
	relpath := k.pattern
	bound := make(map[string]string, len(params))
	for _, name := range k.paramNames {
		v, ok := params[name]
		if !ok {
			return TypedKey{}, fmt.Errorf("%w: key %q missing param %q", ErrInvalidParam, k.name, name)
		}
		if strings.Contains(v, "/") {
			return TypedKey{}, fmt.Errorf("%w: key %q param %q contains '/': %q", ErrInvalidParam, k.name, name, v)
		}
		relpath = strings.ReplaceAll(relpath, "{"+name+"}", v)
		bound[name] = v
	}
	return TypedKey{name: k.name, relpath: relpath, kind: k.kind, params: bound}, nil
}

// ExtractParams reverses Apply: given a relpath, it returns the param
// map that would reproduce it, or (nil, false) if relpath doesn't match
// this key's pattern.
func (k *ParamKey) ExtractParams(relpath string) (map[string]string, bool) {
	m := k.matchRe.FindStringSubmatch(relpath)
	if m == nil {
		return nil, false
	}
	out := make(map[string]string, len(k.paramNames))
	for i, name := range k.matchRe.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		out[name] = m[i]
	}
	return out, true
}

// TypedKey is a concrete (name, relpath, type, params) handle, per spec
// §3. Equality and hashing are over relpath alone. TypedKey itself is
// not comparable with == (its params field is a map), so maps that need
// relpath identity are keyed by cacheKey() instead.
type TypedKey struct {
	name    string
	relpath string
	kind    ValueKind
	params  map[string]string
}

func (t TypedKey) Name() string             { return t.name }
func (t TypedKey) Relpath() string          { return t.relpath }
func (t TypedKey) ValueKind() ValueKind     { return t.kind }
func (t TypedKey) Params() map[string]string { return t.params }
func (t TypedKey) String() string           { return t.relpath }

// cacheKey is used to index Transaction.cache/dirty by relpath, since a
// map of TypedKey containing a map field (params) isn't a valid Go map
// key; relpath alone is also the spec's definition of TypedKey equality.
func (t TypedKey) cacheKey() string { return t.relpath }

// Registry holds the process-lifetime key schema table (spec §4.1).
// Registration happens once at init, by caller discipline, but the
// registry itself is still safe to read concurrently afterward.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]Key
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]Key)}
}

// AddStaticKey registers a Key whose pattern has no {placeholder}
// segments.
func (r *Registry) AddStaticKey(name, pattern string, kind ValueKind) *StaticKey {
	k := &StaticKey{baseKey: &baseKey{name: name, pattern: pattern, kind: kind}}
	r.mu.Lock()
	r.keys[name] = k
	r.mu.Unlock()
	return k
}

// AddParamKey registers a templated Key.
func (r *Registry) AddParamKey(name, pattern string, kind ValueKind) *ParamKey {
	k := newParamKey(name, pattern, kind)
	r.mu.Lock()
	r.keys[name] = k
	r.mu.Unlock()
	return k
}

// AddKey registers name/pattern/type, picking Static vs Param
// automatically based on whether pattern contains placeholders, per
// spec §4.1's add_key contract. Duplicate names overwrite, matching the
// spec's "caller discipline: registration happens once at init."
func (r *Registry) AddKey(name, pattern string, kind ValueKind) Key {
	if placeholderRe.MatchString(pattern) {
		return r.AddParamKey(name, pattern, kind)
	}
	return r.AddStaticKey(name, pattern, kind)
}

// GetKey looks up a registered Key by name.
func (r *Registry) GetKey(name string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[name]
	return k, ok
}

// indexLookup is the minimal view of the primary index Registry.Derive
// needs; storage.Connection.DBReadTypedKey satisfies it directly.
type indexLookup interface {
	DBReadTypedKey(ctx context.Context, relpath string) (name string, lastSerial int64, ok bool, err error)
}

// Derive implements spec §4.1's derive_key: resolve a relpath to a
// TypedKey, consulting the transaction's own cache first, then the
// primary index, when name is not supplied directly.
func (r *Registry) Derive(ctx context.Context, relpath string, name string, cache txCacheLookup, idx indexLookup) (TypedKey, error) {
	if name == "" {
		if tk, ok := cache.lookupCachedKey(relpath); ok {
			return tk, nil
		}
		resolvedName, _, ok, err := idx.DBReadTypedKey(ctx, relpath)
		if err != nil {
			return TypedKey{}, wrapStorage(err, "derive_key(%q)", relpath)
		}
		if !ok {
			return TypedKey{}, fmt.Errorf("%w: relpath %q has no index row and no name given", ErrKeyAbsent, relpath)
		}
		name = resolvedName
	}
	k, ok := r.GetKey(name)
	if !ok {
		return TypedKey{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	switch kk := k.(type) {
	case *StaticKey:
		return kk.TypedKey(), nil
	case *ParamKey:
		params, ok := kk.ExtractParams(relpath)
		if !ok {
			return TypedKey{}, fmt.Errorf("%w: relpath %q does not match key %q pattern %q", ErrInvalidParam, relpath, name, kk.pattern)
		}
		return TypedKey{name: name, relpath: relpath, kind: kk.ValueKind(), params: params}, nil
	default:
		return TypedKey{}, fmt.Errorf("%w: unrecognized key implementation for %q", ErrNotFound, name)
	}
}

// txCacheLookup is the minimal view of Transaction.cache that Derive
// needs, so keys.go doesn't import tx.go's concrete type.
type txCacheLookup interface {
	lookupCachedKey(relpath string) (TypedKey, bool)
}

// typeCheck enforces spec §4.3's set() discipline: the value's Kind
// must match the key's declared type, and for mapping-typed values,
// every value nested anywhere underneath must recursively be non-byte
// (spec §6: "for mapping-typed values, keys must be text (not bytes)
// recursively"). Mapping keys are always Go strings in this
// implementation (see value.go), so only the "non-byte values" half
// needs an explicit walk; the original's check_unicode_keys
// (devpi_server/keyfs.py) is this rule's grounding.
func typeCheck(key TypedKey, v Value) error {
	if v.Kind() != key.ValueKind() {
		return fmt.Errorf("%w: key %q wants %s, got %s", ErrTypeMismatch, key.relpath, key.ValueKind(), v.Kind())
	}
	if key.ValueKind() == KindMapping {
		if err := rejectByteValues(v); err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrTypeMismatch, key.relpath, err)
		}
	}
	return nil
}

// rejectByteValues walks a Mapping/Sequence/Set tree and returns an
// error if any nested ScalarValue wraps a []byte. Set members are
// always Go strings (see value.go), so only Mapping and Sequence need
// to recurse.
func rejectByteValues(v Value) error {
	switch vv := v.(type) {
	case *MappingValue:
		for _, k := range vv.Keys() {
			child, _ := vv.Get(k)
			if err := rejectByteValues(child); err != nil {
				return err
			}
		}
	case *SequenceValue:
		for i := 0; i < vv.Len(); i++ {
			if err := rejectByteValues(vv.At(i)); err != nil {
				return err
			}
		}
	case *SetValue:
		// members are always text by construction.
	case ScalarValue:
		if _, ok := vv.Raw().([]byte); ok {
			return fmt.Errorf("byte value not permitted inside a mapping-typed value")
		}
	}
	return nil
}
