package code

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	lagoon "github.com/nevindra/lagoon"
)

// future is the Starlark face of a lagoon.ToolFuture. Calling a tool from
// code returns one immediately; the batch runs the first time any future's
// data is needed, so independent calls issued back to back execute together.
//
// Comparison and membership operands are resolved by the executor before the
// operator runs, and value-reading builtins resolve their arguments. Operations that have no error return (str, truth, iteration,
// len) abort the execution when the tool failed.
type future struct {
	f    *lagoon.ToolFuture
	exec *execution

	done bool
	val  starlark.Value
	err  error
}

func (fv *future) resolve() (starlark.Value, error) {
	if fv.done {
		return fv.val, fv.err
	}
	v, err := fv.f.Value(fv.exec.ctx)
	if err == nil {
		fv.val, err = toStarlark(v)
	}
	fv.done = true
	if err != nil {
		fv.err = err
		fv.exec.noteToolError(err)
		return nil, err
	}
	return fv.val, nil
}

// must resolves fv, aborting the execution on failure.
func (fv *future) must() (starlark.Value, bool) {
	v, err := fv.resolve()
	if err != nil {
		fv.exec.abort(err)
		return nil, false
	}
	return v, true
}

func (fv *future) String() string {
	v, ok := fv.must()
	if !ok {
		return "<failed " + fv.f.Call().Name + " result>"
	}
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	return v.String()
}

func (fv *future) Type() string { return "tool_result" }

func (fv *future) Freeze() {}

func (fv *future) Truth() starlark.Bool {
	v, ok := fv.must()
	if !ok {
		return starlark.False
	}
	return v.Truth()
}

func (fv *future) Hash() (uint32, error) {
	v, err := fv.resolve()
	if err != nil {
		return 0, err
	}
	return v.Hash()
}

// Binary resolves the future and applies op to the underlying value, on the
// same side of the operator the future appeared on.
func (fv *future) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	x, err := fv.resolve()
	if err != nil {
		return nil, err
	}
	if yf, ok := y.(*future); ok {
		if y, err = yf.resolve(); err != nil {
			return nil, err
		}
	}
	if side == starlark.Left {
		return starlark.Binary(op, x, y)
	}
	return starlark.Binary(op, y, x)
}

// Get serves x[k]. Dicts delegate to the dict; integer keys on lists and
// strings index (negative from the end). Membership tests never reach here
// because the executor resolves the operands of "in" first; any other key is
// looked up as given.
func (fv *future) Get(k starlark.Value) (starlark.Value, bool, error) {
	v, ok := fv.must()
	if !ok {
		return nil, false, fv.err
	}
	var err error
	if kf, ok := k.(*future); ok {
		if k, err = kf.resolve(); err != nil {
			return nil, false, err
		}
	}
	switch x := v.(type) {
	case starlark.Mapping:
		return x.Get(k)
	case starlark.String:
		if i, err := starlark.AsInt32(k); err == nil {
			return indexAt(x, i)
		}
		s, ok := starlark.AsString(k)
		if !ok {
			return nil, false, fmt.Errorf("'in <string>' requires string as left operand, not %s", k.Type())
		}
		return starlark.None, strings.Contains(string(x), s), nil
	case *starlark.Set:
		found, err := x.Has(k)
		return starlark.None, found, err
	case starlark.Indexable:
		if i, err := starlark.AsInt32(k); err == nil {
			return indexAt(x, i)
		}
		for i := 0; i < x.Len(); i++ {
			eq, err := starlark.Equal(x.Index(i), k)
			if err != nil {
				return nil, false, err
			}
			if eq {
				return starlark.None, true, nil
			}
		}
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%s value is not subscriptable", v.Type())
}

func indexAt(x starlark.Indexable, i int) (starlark.Value, bool, error) {
	n := x.Len()
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return nil, false, nil
	}
	return x.Index(i), true, nil
}

func (fv *future) Iterate() starlark.Iterator {
	v, ok := fv.must()
	if !ok {
		return emptyIterator{}
	}
	if it, ok := v.(starlark.Iterable); ok {
		return it.Iterate()
	}
	fv.exec.abort(fmt.Errorf("%s value is not iterable", v.Type()))
	return emptyIterator{}
}

func (fv *future) Len() int {
	v, ok := fv.must()
	if !ok {
		return -1
	}
	return starlark.Len(v)
}

func (fv *future) Attr(name string) (starlark.Value, error) {
	v, err := fv.resolve()
	if err != nil {
		return nil, err
	}
	if ha, ok := v.(starlark.HasAttrs); ok {
		return ha.Attr(name)
	}
	return nil, nil
}

func (fv *future) AttrNames() []string {
	v, err := fv.resolve()
	if err != nil {
		return nil
	}
	if ha, ok := v.(starlark.HasAttrs); ok {
		return ha.AttrNames()
	}
	return nil
}

// CompareSameType compares two futures by their resolved values.
func (fv *future) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	x, err := fv.resolve()
	if err != nil {
		return false, err
	}
	w, err := y.(*future).resolve()
	if err != nil {
		return false, err
	}
	return starlark.CompareDepth(op, x, w, depth)
}

type emptyIterator struct{}

func (emptyIterator) Next(*starlark.Value) bool { return false }
func (emptyIterator) Done()                     {}

// compile-time checks
var (
	_ starlark.HasBinary  = (*future)(nil)
	_ starlark.Mapping    = (*future)(nil)
	_ starlark.Sequence   = (*future)(nil)
	_ starlark.HasAttrs   = (*future)(nil)
	_ starlark.Comparable = (*future)(nil)
)
