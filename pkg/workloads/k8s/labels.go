package k8s

import (
	"sort"
	"strings"
)

// LabelSelector is a set of equality-based label requirements.
type LabelSelector map[string]string

// QueryString renders the selector for ListOptions.LabelSelector.
// Keys are sorted so the result is deterministic.
func (ls LabelSelector) QueryString() string {
	if len(ls) == 0 {
		return ""
	}

	keys := make([]string, 0, len(ls))
	for k := range ls {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := &strings.Builder{}
	for _, k := range keys {
		if b.Len() != 0 {
			b.WriteRune(',')
		}
		b.WriteString(k)
		b.WriteRune('=')
		b.WriteString(ls[k])
	}
	return b.String()
}
