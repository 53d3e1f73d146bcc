// Package optional provides a small present/absent value type used for header
// fields that may be missing from a source record.
package optional

// Value holds either a present value of type T or nothing.
type Value[T any] struct {
	v  T
	ok bool
}

// Some returns a present value.
func Some[T any](v T) Value[T] {
	return Value[T]{v: v, ok: true}
}

// None returns an absent value.
func None[T any]() Value[T] {
	return Value[T]{}
}

// Get returns the value and whether it is present.
func (o Value[T]) Get() (T, bool) {
	return o.v, o.ok
}

// Present reports whether a value is held.
func (o Value[T]) Present() bool {
	return o.ok
}

// OrElse returns the held value, or def when absent.
func (o Value[T]) OrElse(def T) T {
	if !o.ok {
		return def
	}
	return o.v
}

// Any returns the held value as an interface, or nil when absent. Canonical
// attribute sets use this to store an explicit null instead of dropping the key.
func (o Value[T]) Any() any {
	if !o.ok {
		return nil
	}
	return o.v
}

// Map applies fn to a present value.
func Map[T, U any](o Value[T], fn func(T) U) Value[U] {
	if !o.ok {
		return None[U]()
	}
	return Some(fn(o.v))
}

// FlatMap applies fn to a present value and returns its result directly.
func FlatMap[T, U any](o Value[T], fn func(T) Value[U]) Value[U] {
	if !o.ok {
		return None[U]()
	}
	return fn(o.v)
}
