package s3directory

import (
	"sort"
	"unicode/utf16"
)

// utf16Less orders two names by UTF-16 code unit, the ordering a listAll
// caller built against a UTF-16 string type (the index engine's historical
// host environment) expects rather than Go's native UTF-8 byte order.
func utf16Less(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

func sortUTF16(names []string) {
	sort.Slice(names, func(i, j int) bool { return utf16Less(names[i], names[j]) })
}
