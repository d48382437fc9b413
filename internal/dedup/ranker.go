package dedup

// Survivors collapses items that share a key into one survivor per cluster.
// better(a, b) reports whether a should replace b. A survivor takes the
// position of the cluster's first occurrence. Items with an empty key are
// never clustered.
func Survivors[T any](items []T, key func(T) string, better func(a, b T) bool) []T {
	out := make([]T, 0, len(items))
	pos := make(map[string]int, len(items))
	for _, it := range items {
		k := key(it)
		if k == "" {
			out = append(out, it)
			continue
		}
		i, ok := pos[k]
		if !ok {
			pos[k] = len(out)
			out = append(out, it)
			continue
		}
		if better(it, out[i]) {
			out[i] = it
		}
	}
	return out
}
