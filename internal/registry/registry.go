// Package registry provides the concurrent name-keyed registry the runtime
// stores live unit entries in. Set replaces the value for a key atomically,
// which is what makes the hot-reload swap safe: a concurrent reader sees
// either the old value or the new one, never a mix.
package registry

import "github.com/alphadose/haxmap"

type Registry[T any] interface {
	Get(name string) (T, bool)
	Set(name string, value T)
	GetOrAdd(name string, value func() T) (T, bool)
	Del(name string)
	Len() int
	Keys() []string
	ForEach(fn func(name string, value T) bool)
	Clear()
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Get(name string) (T, bool) {
	return r.values.Get(name)
}

func (r *registry[T]) Set(name string, value T) {
	r.values.Set(name, value)
}

func (r *registry[T]) GetOrAdd(name string, valueFn func() T) (T, bool) {
	return r.values.GetOrCompute(name, valueFn)
}

func (r *registry[T]) Del(name string) {
	r.values.Del(name)
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}

func (r *registry[T]) Keys() []string {
	keys := make([]string, 0, r.values.Len())
	r.values.ForEach(func(name string, _ T) bool {
		keys = append(keys, name)
		return true
	})
	return keys
}

func (r *registry[T]) ForEach(fn func(name string, value T) bool) {
	r.values.ForEach(fn)
}

func (r *registry[T]) Clear() {
	r.values.ForEach(func(name string, _ T) bool {
		r.values.Del(name)
		return true
	})
}
