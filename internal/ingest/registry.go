package ingest

import (
	"fmt"
	"os"
	"sort"

	"XueXinwen/internal/ports"
)

const (
	KindFile  = "file"
	KindStdin = "stdin"
)

// Opener builds a raw source from a location (path, "-", ...).
type Opener func(location string) (ports.RawSource, error)

// Registry keeps a mapping from source kinds to their openers.
type Registry struct {
	openers map[string]Opener
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{openers: map[string]Opener{}}
}

// DefaultRegistry registers the JSON file and stdin sources. defaultSource fills raw
// articles that carry no source of their own.
func DefaultRegistry(defaultSource string) *Registry {
	r := NewRegistry()
	r.Register(KindFile, func(location string) (ports.RawSource, error) {
		return OpenFile(location, defaultSource)
	})
	r.Register(KindStdin, func(string) (ports.RawSource, error) {
		return NewReaderSource(KindStdin, os.Stdin, defaultSource), nil
	})
	return r
}

// Register adds or replaces an opener.
func (r *Registry) Register(kind string, opener Opener) {
	if r.openers == nil {
		r.openers = map[string]Opener{}
	}
	r.openers[kind] = opener
}

// Open resolves kind and opens location with it.
func (r *Registry) Open(kind, location string) (ports.RawSource, error) {
	opener, ok := r.openers[kind]
	if !ok {
		return nil, fmt.Errorf("source kind %s is not registered", kind)
	}
	return opener(location)
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.openers))
	for k := range r.openers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// KindFor picks stdin for "-" and file otherwise.
func KindFor(location string) string {
	if location == "-" {
		return KindStdin
	}
	return KindFile
}
