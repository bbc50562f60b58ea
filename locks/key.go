package locks

import (
	"net/url"
	"strings"
)

// DefaultNamespace is the key prefix shared by all lab locks
const DefaultNamespace = "lab/locks"

// MakeKey maps a resource name onto its coordination store key. Names are
// path-escaped, so "a/b" and "a%2Fb" land on different keys.
func MakeKey(namespace, name string) string {
	return strings.TrimRight(namespace, "/") + "/" + url.PathEscape(name)
}

// NameFromKey reverses MakeKey. ok is false when key is outside namespace.
func NameFromKey(namespace, key string) (string, bool) {
	prefix := strings.TrimRight(namespace, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	name, err := url.PathUnescape(strings.TrimPrefix(key, prefix))
	if err != nil {
		return "", false
	}
	return name, true
}
