package utils

// Set is an unordered set. Create one with NewSet; the zero value is nil.
type Set[K comparable] map[K]struct{}

func NewSet[K comparable](vals ...K) Set[K] {
	s := make(Set[K], len(vals))
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}

// Insert adds val and reports whether it was not present before.
func (s Set[K]) Insert(val K) bool {
	if _, ok := s[val]; ok {
		return false
	}
	s[val] = struct{}{}
	return true
}

func (s Set[K]) Contains(val K) bool {
	_, ok := s[val]
	return ok
}
