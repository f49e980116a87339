package util

import "strings"

// StorageKey joins a namespace and a user key into the composite key stored
// in every tier. Namespaces must not contain ':'; user keys may.
func StorageKey(namespace, key string) string {
	return namespace + ":" + key
}

// NamespacePrefix returns the scan prefix covering every key in a namespace.
func NamespacePrefix(namespace string) string {
	return namespace + ":"
}

// SplitKey splits a composite key back into (namespace, key). ok is false
// when the key carries no namespace separator.
func SplitKey(storageKey string) (namespace, key string, ok bool) {
	i := strings.IndexByte(storageKey, ':')
	if i < 0 {
		return "", storageKey, false
	}
	return storageKey[:i], storageKey[i+1:], true
}

// ValidNamespace reports whether a namespace is usable as a key prefix.
func ValidNamespace(namespace string) bool {
	return namespace != "" && !strings.ContainsRune(namespace, ':')
}
