package slices

// Map applies mapper to each element of sli and returns the results.
func Map[T any, R any](sli []T, mapper func(v T) R) []R {
	ret := make([]R, len(sli))
	for nth, v := range sli {
		ret[nth] = mapper(v)
	}
	return ret
}

// Concat joins slices into one, in order.
func Concat[T any](sli ...[]T) []T {
	total := 0
	for _, s := range sli {
		total += len(s)
	}
	ret := make([]T, 0, total)
	for _, s := range sli {
		ret = append(ret, s...)
	}
	return ret
}

// KeysOf returns the keys of m. Order is unspecified.
func KeysOf[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// First returns the first element satisfying pred, and whether one was found.
func First[T any](sli []T, pred func(T) bool) (T, bool) {
	for _, v := range sli {
		if pred(v) {
			return v, true
		}
	}
	return *new(T), false
}
