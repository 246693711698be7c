// internal/utils/fallback.go
package utils

// Source is one candidate in an ordered fallback chain. Extract reports
// false when the source has nothing usable for the input.
type Source[T, V any] struct {
	Name    string
	Extract func(T) (V, bool)
}

// Fallback resolves a value from the first source that has one.
type Fallback[T, V any] struct {
	Sources []Source[T, V]
	Default V
}

// NewFallback builds a chain that is tried in order.
func NewFallback[T, V any](def V, sources ...Source[T, V]) Fallback[T, V] {
	return Fallback[T, V]{Sources: sources, Default: def}
}

// Resolve returns the first available value and the name of the source it
// came from. The name is empty when the default was used.
func (f Fallback[T, V]) Resolve(in T) (V, string) {
	for _, s := range f.Sources {
		if s.Extract == nil {
			continue
		}
		if v, ok := s.Extract(in); ok {
			return v, s.Name
		}
	}
	return f.Default, ""
}

// Value is Resolve without the source name.
func (f Fallback[T, V]) Value(in T) V {
	v, _ := f.Resolve(in)
	return v
}
