package red

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SecretRefKey marks a hoisted value in a cleaned document. The associated
// string is "<bundleID>/<path>" and resolves through the trustee.
const SecretRefKey = "_secret"

// protectedPrefix marks document keys whose values are secrets.
const protectedPrefix = "_"

// HoistProtected walks a decoded JSON document depth-first, removes every
// value whose key starts with "_", and returns the cleaned document plus
// the collected bundle. Each removed value is replaced in place by
//
//	{"_secret": "<bundleID>/<dotted.path>"}
//
// Non-string secret values are stored JSON-encoded. The input map is not
// modified.
func HoistProtected(raw map[string]any, bundleID string) (map[string]any, map[string]string) {
	bundle := make(map[string]string)
	clean := hoistMap(raw, bundleID, "", bundle)
	return clean, bundle
}

func hoistMap(m map[string]any, bundleID, path string, bundle map[string]string) map[string]any {
	clean := make(map[string]any, len(m))
	for key, value := range m {
		keyPath := key
		if path != "" {
			keyPath = path + "." + key
		}
		if strings.HasPrefix(key, protectedPrefix) && key != SecretRefKey {
			bundle[keyPath] = encodeSecret(value)
			clean[key] = map[string]any{SecretRefKey: bundleID + "/" + keyPath}
			continue
		}
		clean[key] = hoistValue(value, bundleID, keyPath, bundle)
	}
	return clean
}

func hoistValue(v any, bundleID, path string, bundle map[string]string) any {
	switch t := v.(type) {
	case map[string]any:
		return hoistMap(t, bundleID, path, bundle)
	case []any:
		clean := make([]any, len(t))
		for i, item := range t {
			clean[i] = hoistValue(item, bundleID, fmt.Sprintf("%s.%d", path, i), bundle)
		}
		return clean
	default:
		return v
	}
}

func encodeSecret(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// ContainsProtected reports whether any key in the document starts with the
// protected prefix. Sections that are persisted without hoisting must be
// free of protected keys.
func ContainsProtected(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		for key, value := range t {
			if strings.HasPrefix(key, protectedPrefix) {
				return true
			}
			if ContainsProtected(value) {
				return true
			}
		}
	case []any:
		for _, item := range t {
			if ContainsProtected(item) {
				return true
			}
		}
	}
	return false
}

// SecretRefs collects every "_secret" reference in a cleaned document.
// The scheduler verifies these against the trustee before launch.
func SecretRefs(doc map[string]any) []string {
	var refs []string
	collectRefs(doc, &refs)
	return refs
}

func collectRefs(v any, refs *[]string) {
	switch t := v.(type) {
	case map[string]any:
		for key, value := range t {
			if key == SecretRefKey {
				if ref, ok := value.(string); ok {
					*refs = append(*refs, ref)
				}
				continue
			}
			collectRefs(value, refs)
		}
	case []any:
		for _, item := range t {
			collectRefs(item, refs)
		}
	}
}
