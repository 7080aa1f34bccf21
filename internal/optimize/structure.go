package optimize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	minFoldLength = 2
	maxFoldLength = 16
)

// aliases maps well-known long field names to their short forms.
var aliases = map[string]string{
	"timestamp":     "ts",
	"createdAt":     "ca",
	"updatedAt":     "ua",
	"userId":        "uid",
	"sessionId":     "sid",
	"correlationId": "cid",
	"message":       "msg",
	"payload":       "pl",
	"metadata":      "md",
	"description":   "desc",
	"priority":      "pri",
	"status":        "st",
	"notification":  "ntf",
	"attributes":    "attr",
	"identifier":    "idf",
	"properties":    "props",
}

var reverseAliases = func() map[string]string {
	m := make(map[string]string, len(aliases))
	for long, short := range aliases {
		m[short] = long
	}
	return m
}()

var errPointer = errors.New("invalid JSON pointer")

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// stripNulls removes null object fields and records the pointer of each.
func stripNulls(v any, path string, paths *[]string) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			p := path + "/" + escapeToken(k)
			if child == nil {
				delete(t, k)
				*paths = append(*paths, p)
				continue
			}
			t[k] = stripNulls(child, p, paths)
		}
	case []any:
		for i, child := range t {
			t[i] = stripNulls(child, path+"/"+strconv.Itoa(i), paths)
		}
	}
	return v
}

func restoreNulls(root any, paths []string) (any, error) {
	var errs []error
	for _, p := range paths {
		tokens, err := splitPointer(p)
		if err != nil || len(tokens) == 0 {
			errs = append(errs, fmt.Errorf("restore null at %q: %w", p, errPointer))
			continue
		}
		parent, err := lookup(root, tokens[:len(tokens)-1])
		if err != nil {
			errs = append(errs, fmt.Errorf("restore null at %q: %w", p, err))
			continue
		}
		obj, ok := parent.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("restore null at %q: parent is not an object", p))
			continue
		}
		obj[tokens[len(tokens)-1]] = nil
	}
	return root, errors.Join(errs...)
}

// hasAliasCollision reports whether any key already uses a short alias, in
// which case renaming could not be reversed.
func hasAliasCollision(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, ok := reverseAliases[k]; ok {
				return true
			}
			if hasAliasCollision(child) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if hasAliasCollision(child) {
				return true
			}
		}
	}
	return false
}

func renameKeys(v any, names map[string]string, renamed *int) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if n, ok := names[k]; ok {
				k = n
				*renamed++
			}
			out[k] = renameKeys(child, names, renamed)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = renameKeys(child, names, renamed)
		}
	}
	return v
}

func foldable(arr []any) bool {
	if len(arr) < minFoldLength || len(arr) > maxFoldLength {
		return false
	}
	for _, el := range arr {
		if _, ok := el.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// foldArrays rewrites small arrays of objects into index-keyed objects. Paths
// are recorded parent first, so unfolding in reverse handles children first.
func foldArrays(v any, path string, paths *[]string) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = foldArrays(child, path+"/"+escapeToken(k), paths)
		}
	case []any:
		if foldable(t) {
			*paths = append(*paths, path)
			obj := make(map[string]any, len(t))
			for i, child := range t {
				key := strconv.Itoa(i)
				obj[key] = foldArrays(child, path+"/"+key, paths)
			}
			return obj
		}
		for i, child := range t {
			t[i] = foldArrays(child, path+"/"+strconv.Itoa(i), paths)
		}
	}
	return v
}

func unfoldArrays(root any, paths []string) (any, error) {
	var errs []error
	for i := len(paths) - 1; i >= 0; i-- {
		p := paths[i]
		tokens, err := splitPointer(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("unfold %q: %w", p, err))
			continue
		}
		target, err := lookup(root, tokens)
		if err != nil {
			errs = append(errs, fmt.Errorf("unfold %q: %w", p, err))
			continue
		}
		obj, ok := target.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("unfold %q: target is not an object", p))
			continue
		}
		arr := make([]any, len(obj))
		complete := true
		for j := range arr {
			el, ok := obj[strconv.Itoa(j)]
			if !ok {
				complete = false
				break
			}
			arr[j] = el
		}
		if !complete {
			errs = append(errs, fmt.Errorf("unfold %q: missing index keys", p))
			continue
		}
		root, err = replace(root, tokens, arr)
		if err != nil {
			errs = append(errs, fmt.Errorf("unfold %q: %w", p, err))
		}
	}
	return root, errors.Join(errs...)
}

func escapeToken(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

func unescapeToken(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~1", "/"), "~0", "~")
}

// splitPointer parses an RFC 6901 pointer. The empty pointer is the root.
func splitPointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if !strings.HasPrefix(p, "/") {
		return nil, errPointer
	}
	parts := strings.Split(p[1:], "/")
	for i, part := range parts {
		parts[i] = unescapeToken(part)
	}
	return parts, nil
}

func lookup(v any, tokens []string) (any, error) {
	for _, tok := range tokens {
		switch t := v.(type) {
		case map[string]any:
			child, ok := t[tok]
			if !ok {
				return nil, fmt.Errorf("%w: missing key %q", errPointer, tok)
			}
			v = child
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(t) {
				return nil, fmt.Errorf("%w: bad index %q", errPointer, tok)
			}
			v = t[i]
		default:
			return nil, fmt.Errorf("%w: cannot descend into scalar at %q", errPointer, tok)
		}
	}
	return v, nil
}

func replace(root any, tokens []string, val any) (any, error) {
	if len(tokens) == 0 {
		return val, nil
	}
	parent, err := lookup(root, tokens[:len(tokens)-1])
	if err != nil {
		return root, err
	}
	last := tokens[len(tokens)-1]
	switch t := parent.(type) {
	case map[string]any:
		t[last] = val
	case []any:
		i, err := strconv.Atoi(last)
		if err != nil || i < 0 || i >= len(t) {
			return root, fmt.Errorf("%w: bad index %q", errPointer, last)
		}
		t[i] = val
	default:
		return root, fmt.Errorf("%w: parent is a scalar", errPointer)
	}
	return root, nil
}

func sortedCopy(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}
