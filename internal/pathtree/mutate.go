package pathtree

import (
	"encoding/json"
	"fmt"
)

// Get returns the value at segments, or false when any step is missing.
func Get(root map[string]any, segments []string) (any, bool) {
	var node any = root
	for _, seg := range segments {
		child, ok := stepInto(node, seg)
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

// SetCreate writes value at segments, creating intermediate containers as
// needed. A missing intermediate becomes an array when the following segment
// is a numeric index and a mapping otherwise; an existing intermediate of the
// wrong container type is an error. Array writes accept indices up to and
// including the current length (append). Reports whether the tree changed.
func SetCreate(root map[string]any, segments []string, value any) (bool, error) {
	return set(root, segments, value, true)
}

// SetExisting writes value at segments, requiring every container on the path
// and the final slot to already exist. Reports whether the tree changed.
func SetExisting(root map[string]any, segments []string, value any) (bool, error) {
	return set(root, segments, value, false)
}

func set(root map[string]any, segments []string, value any, create bool) (bool, error) {
	if len(segments) == 0 {
		return false, fmt.Errorf("set: empty path")
	}
	parent, last, err := walkToParent(root, segments, create)
	if err != nil {
		return false, err
	}
	switch c := parent.(type) {
	case map[string]any:
		prev, existed := c[last]
		if !existed && !create {
			return false, fmt.Errorf("set: path %q does not exist", JoinPath(segments))
		}
		if existed && Equal(prev, value) {
			return false, nil
		}
		c[last] = value
		return true, nil
	case []any:
		idx, err := parseArrayIndex(last)
		if err != nil {
			return false, fmt.Errorf("set: path %q: %w", JoinPath(segments), err)
		}
		if idx < len(c) {
			if Equal(c[idx], value) {
				return false, nil
			}
			c[idx] = value
			return true, nil
		}
		if !create || idx != len(c) {
			return false, fmt.Errorf("set: path %q: index %d out of range (len %d)", JoinPath(segments), idx, len(c))
		}
		// Appending grows the slice, so the parent slot must be rewritten.
		grown := append(c, value)
		if err := replaceChild(root, segments[:len(segments)-1], grown); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("set: path %q: parent is not a container", JoinPath(segments))
	}
}

// Delete removes the value at segments. Deleting an array element compacts
// the array via splice. Reports whether the tree changed; a missing path is
// an error.
func Delete(root map[string]any, segments []string) (bool, error) {
	if len(segments) == 0 {
		return false, fmt.Errorf("delete: empty path")
	}
	parent, last, err := walkToParent(root, segments, false)
	if err != nil {
		return false, err
	}
	switch c := parent.(type) {
	case map[string]any:
		if _, ok := c[last]; !ok {
			return false, fmt.Errorf("delete: path %q does not exist", JoinPath(segments))
		}
		delete(c, last)
		return true, nil
	case []any:
		idx, err := parseArrayIndex(last)
		if err != nil {
			return false, fmt.Errorf("delete: path %q: %w", JoinPath(segments), err)
		}
		if idx >= len(c) {
			return false, fmt.Errorf("delete: path %q: index %d out of range (len %d)", JoinPath(segments), idx, len(c))
		}
		spliced := append(append([]any{}, c[:idx]...), c[idx+1:]...)
		if err := replaceChild(root, segments[:len(segments)-1], spliced); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("delete: path %q: parent is not a container", JoinPath(segments))
	}
}

// walkToParent navigates to the container holding the final segment,
// creating intermediates when create is set.
func walkToParent(root map[string]any, segments []string, create bool) (any, string, error) {
	var node any = root
	for i := 0; i < len(segments)-1; i++ {
		seg := segments[i]
		next := segments[i+1]
		child, ok := stepInto(node, seg)
		if !ok {
			if !create {
				return nil, "", fmt.Errorf("path %q: missing container at %q", JoinPath(segments), JoinPath(segments[:i+1]))
			}
			var fresh any
			if _, err := parseArrayIndex(next); err == nil {
				fresh = []any{}
			} else {
				fresh = map[string]any{}
			}
			switch c := node.(type) {
			case map[string]any:
				c[seg] = fresh
			case []any:
				idx, err := parseArrayIndex(seg)
				if err != nil {
					return nil, "", fmt.Errorf("path %q: %w", JoinPath(segments), err)
				}
				if idx != len(c) {
					return nil, "", fmt.Errorf("path %q: index %d out of range (len %d)", JoinPath(segments), idx, len(c))
				}
				if err := replaceChild(root, segments[:i], append(c, fresh)); err != nil {
					return nil, "", err
				}
			default:
				return nil, "", fmt.Errorf("path %q: %q is not a container", JoinPath(segments), JoinPath(segments[:i]))
			}
			node = fresh
			continue
		}
		// The existing container must agree with the shape the next
		// segment requires.
		nextIsIndex := false
		if _, err := parseArrayIndex(next); err == nil {
			nextIsIndex = true
		}
		switch child.(type) {
		case map[string]any:
			node = child
		case []any:
			if !nextIsIndex {
				return nil, "", fmt.Errorf("path %q: %q is an array but segment %q is not an index", JoinPath(segments), JoinPath(segments[:i+1]), next)
			}
			node = child
		default:
			return nil, "", fmt.Errorf("path %q: %q is not a container", JoinPath(segments), JoinPath(segments[:i+1]))
		}
	}
	return node, segments[len(segments)-1], nil
}

// replaceChild rewrites the slot addressed by segments with value. Used when
// a slice header changed (append or splice).
func replaceChild(root map[string]any, segments []string, value any) error {
	if len(segments) == 0 {
		return fmt.Errorf("replace: cannot replace the root")
	}
	parent, last, err := walkToParent(root, segments, false)
	if err != nil {
		return err
	}
	switch c := parent.(type) {
	case map[string]any:
		c[last] = value
		return nil
	case []any:
		idx, err := parseArrayIndex(last)
		if err != nil || idx >= len(c) {
			return fmt.Errorf("replace: bad slot %q", JoinPath(segments))
		}
		c[idx] = value
		return nil
	default:
		return fmt.Errorf("replace: %q is not a container", JoinPath(segments))
	}
}

// Clone deep-copies a JSON-like value.
func Clone(v any) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, val := range c {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, val := range c {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}

// CloneMap deep-copies a mapping, returning an empty map for nil input.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return Clone(m).(map[string]any)
}

// Equal compares two JSON-like values structurally. Numbers compare by value
// so trees that passed through different decoders (json float64 vs yaml int)
// still compare equal.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !Equal(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		if an, ok := asFloat(a); ok {
			bn, ok := asFloat(b)
			return ok && an == bn
		}
		return a == b
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
