package stdx

// Must0 panics if err is non-nil. For wiring code where an error is a
// programming mistake, not a runtime condition.
func Must0(err error) {
	if err != nil {
		panic(err)
	}
}

// Must1 returns v or panics if err is non-nil.
func Must1[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// Zero returns the zero value for T.
func Zero[T any]() T {
	var zero T
	return zero
}
