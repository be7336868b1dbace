package code

import (
	"fmt"
	"sort"
	"sync"

	"go.starlark.net/starlark"
)

// store is the executor's persistent key/value state. Values are held as
// plain Go data, so reading a key returns a fresh Starlark copy and changes to
// that copy only persist when assigned back.
type store struct {
	mu   sync.RWMutex
	data map[string]any
}

func newStore() *store { return &store{data: make(map[string]any)} }

func (s *store) get(k string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[k]
	return v, ok
}

func (s *store) set(k string, v any) {
	s.mu.Lock()
	s.data[k] = v
	s.mu.Unlock()
}

func (s *store) delete(k string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[k]
	delete(s.data, k)
	return v, ok
}

func (s *store) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *store) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *store) reset() {
	s.mu.Lock()
	s.data = make(map[string]any)
	s.mu.Unlock()
}

// stateValue exposes a store to Starlark as the predeclared "state":
//
//	state["rows"] = fetch(table="users")
//	if "rows" in state:
//	    print(len(state["rows"]))
type stateValue struct {
	s *store
}

func (sv *stateValue) snapshot() map[string]any { return sv.s.snapshot() }

func (sv *stateValue) String() string {
	return fmt.Sprintf("<state with %d keys>", len(sv.s.keys()))
}

func (sv *stateValue) Type() string          { return "state" }
func (sv *stateValue) Freeze()               {}
func (sv *stateValue) Truth() starlark.Bool  { return len(sv.s.keys()) > 0 }
func (sv *stateValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: state") }
func (sv *stateValue) Len() int              { return len(sv.s.keys()) }

func (sv *stateValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	key, ok := starlark.AsString(k)
	if !ok {
		return nil, false, fmt.Errorf("state keys must be strings, not %s", k.Type())
	}
	v, ok := sv.s.get(key)
	if !ok {
		return nil, false, nil
	}
	out, err := toStarlark(v)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (sv *stateValue) SetKey(k, v starlark.Value) error {
	key, ok := starlark.AsString(k)
	if !ok {
		return fmt.Errorf("state keys must be strings, not %s", k.Type())
	}
	g, err := toGo(v)
	if err != nil {
		return fmt.Errorf("state[%q]: %w", key, err)
	}
	sv.s.set(key, g)
	return nil
}

func (sv *stateValue) Iterate() starlark.Iterator {
	keys := sv.s.keys()
	elems := make([]starlark.Value, len(keys))
	for i, k := range keys {
		elems[i] = starlark.String(k)
	}
	return starlark.NewList(elems).Iterate()
}

var stateMethods = map[string]func(sv *stateValue, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error){
	"get":  stateGet,
	"keys": stateKeys,
	"pop":  statePop,
}

func (sv *stateValue) Attr(name string) (starlark.Value, error) {
	m, ok := stateMethods[name]
	if !ok {
		return nil, nil
	}
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return m(sv, b, args, kwargs)
	}).BindReceiver(sv), nil
}

func (sv *stateValue) AttrNames() []string { return []string{"get", "keys", "pop"} }

func stateGet(sv *stateValue, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key, &def); err != nil {
		return nil, err
	}
	v, found, err := sv.Get(starlark.String(key))
	if err != nil {
		return nil, err
	}
	if !found {
		return def, nil
	}
	return v, nil
}

func stateKeys(sv *stateValue, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	keys := sv.s.keys()
	elems := make([]starlark.Value, len(keys))
	for i, k := range keys {
		elems[i] = starlark.String(k)
	}
	return starlark.NewList(elems), nil
}

func statePop(sv *stateValue, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var def starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key, &def); err != nil {
		return nil, err
	}
	v, ok := sv.s.delete(key)
	if !ok {
		if def != nil {
			return def, nil
		}
		return nil, fmt.Errorf("%s: key %q not in state", b.Name(), key)
	}
	return toStarlark(v)
}

// compile-time checks
var (
	_ starlark.HasSetKey = (*stateValue)(nil)
	_ starlark.Sequence  = (*stateValue)(nil)
	_ starlark.HasAttrs  = (*stateValue)(nil)
)
