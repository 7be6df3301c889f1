package store

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// WildcardSuffix addresses every split sub-collection of a base name in
// search requests.
const WildcardSuffix = "*"

var nameReplacer = strings.NewReplacer(
	"#", "_", `\`, "_", "/", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_", " ", "_",
)

// SanitizeIndexName lowercases name, trims the characters a collection name
// may not start with and replaces the ones it may not contain.
func SanitizeIndexName(name string) string {
	name = strings.ToLower(name)
	for _, cut := range []string{".", "_", "-", "+"} {
		name = strings.Trim(name, cut)
	}
	return nameReplacer.Replace(name)
}

// Names memoizes sanitized collection names keyed by base name and suffix.
// It is shared by every gateway of a run and safe for concurrent use.
type Names struct {
	cache *lru.Cache[string, string]
}

// NewNames creates a table holding up to size entries. Split sinks create
// one entry per distinct split value.
func NewNames(size int) *Names {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		panic(err)
	}
	return &Names{cache: cache}
}

// Resolve returns the collection name for base and suffix. With searchOnly
// and the wildcard suffix it returns the pattern matching all
// sub-collections.
func (n *Names) Resolve(base, suffix string, searchOnly bool) string {
	if suffix == "" {
		return n.lookup(base)
	}
	if suffix == WildcardSuffix && searchOnly {
		return n.lookup(base) + "-*"
	}
	return n.lookup(base + "-" + suffix)
}

func (n *Names) lookup(raw string) string {
	if name, ok := n.cache.Get(raw); ok {
		return name
	}
	name := SanitizeIndexName(raw)
	n.cache.Add(raw, name)
	return name
}

// Len reports the number of memoized names.
func (n *Names) Len() int {
	return n.cache.Len()
}
