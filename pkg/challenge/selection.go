package challenge

import "strings"

// Selection narrows a run to a subset of challenges. An empty IDs list
// selects everything.
type Selection struct {
	IDs     []string `json:"ids,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// All selects every challenge.
func All() Selection {
	return Selection{}
}

// Only selects the given ids.
func Only(ids ...string) Selection {
	return Selection{IDs: ids}
}

// IsAll reports whether the selection covers every challenge.
func (s Selection) IsAll() bool {
	return len(s.IDs) == 0
}

// String renders the selection for logs and history records.
func (s Selection) String() string {
	var b strings.Builder
	if s.IsAll() {
		b.WriteString("all")
	} else {
		b.WriteString(strings.Join(s.IDs, ","))
	}
	if len(s.Exclude) > 0 {
		b.WriteString(" -")
		b.WriteString(strings.Join(s.Exclude, ",-"))
	}
	return b.String()
}
