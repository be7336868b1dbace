package code

import (
	"go.starlark.net/starlark"
)

// valueBuiltins are the universe builtins that read their arguments' values.
// They are shadowed by wrappers that resolve tool results first, so
// int(r), max(r, 0) or sorted([r, 1]) see the tool's value.
var valueBuiltins = []string{
	"abs", "all", "any", "bool", "dict", "enumerate", "float", "hash", "int",
	"list", "max", "min", "range", "repr", "reversed", "sorted", "str",
	"tuple", "type", "zip",
}

// maxResolveDepth bounds how far into nested lists and tuples arguments are
// resolved.
const maxResolveDepth = 4

var resolvers = resolvingBuiltins()

func resolvingBuiltins() starlark.StringDict {
	env := make(starlark.StringDict, len(valueBuiltins))
	for _, name := range valueBuiltins {
		inner, ok := starlark.Universe[name].(*starlark.Builtin)
		if !ok {
			continue
		}
		env[name] = starlark.NewBuiltin(name, func(th *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			resolved := make(starlark.Tuple, len(args))
			for i, a := range args {
				v, err := resolveValue(a, 0)
				if err != nil {
					return nil, err
				}
				resolved[i] = v
			}
			kw := make([]starlark.Tuple, len(kwargs))
			for i, pair := range kwargs {
				v, err := resolveValue(pair[1], 0)
				if err != nil {
					return nil, err
				}
				kw[i] = starlark.Tuple{pair[0], v}
			}
			return starlark.Call(th, inner, resolved, kw)
		})
	}
	return env
}

// resolveValue replaces tool results in v by their values. Lists and tuples
// holding tool results are copied; anything else is returned as is.
func resolveValue(v starlark.Value, depth int) (starlark.Value, error) {
	switch x := v.(type) {
	case *future:
		return x.resolve()
	case *starlark.List:
		if depth >= maxResolveDepth || !holdsFuture(x) {
			return x, nil
		}
		elems := make([]starlark.Value, x.Len())
		for i := range elems {
			e, err := resolveValue(x.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return starlark.NewList(elems), nil
	case starlark.Tuple:
		if depth >= maxResolveDepth || !holdsFuture(x) {
			return x, nil
		}
		elems := make(starlark.Tuple, len(x))
		for i, e := range x {
			r, err := resolveValue(e, depth+1)
			if err != nil {
				return nil, err
			}
			elems[i] = r
		}
		return elems, nil
	}
	return v, nil
}

func holdsFuture(seq starlark.Indexable) bool {
	for i := 0; i < seq.Len(); i++ {
		switch e := seq.Index(i).(type) {
		case *future:
			return true
		case *starlark.List:
			if holdsFuture(e) {
				return true
			}
		case starlark.Tuple:
			if holdsFuture(e) {
				return true
			}
		}
	}
	return false
}
