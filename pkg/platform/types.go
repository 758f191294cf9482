package platform

import (
	"path"
	"slices"
	"strings"

	"github.com/chalsync/chalsync/pkg/challenge"
)

// RemoteSummary is a listing entry.
type RemoteSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Visibility string `json:"state"`
}

// RemoteChallenge is a challenge as the platform reports it.
type RemoteChallenge struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Category       string       `json:"category"`
	Description    string       `json:"description"`
	Value          int          `json:"value"`
	State          string       `json:"state"`
	ConnectionInfo string       `json:"connection_info"`
	MaxAttempts    int          `json:"max_attempts"`
	Flags          []RemoteFlag `json:"flags"`
	Hints          []RemoteHint `json:"hints"`
	Files          []RemoteFile `json:"files"`
	Prerequisites  []string     `json:"prerequisites"`

	// Tags excludes the tag that marks the challenge as managed.
	Tags []string `json:"tags"`
}

// RemoteFlag is a flag as the platform stores it. Data carries modifiers
// such as "case_insensitive".
type RemoteFlag struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Data    string `json:"data"`
}

// RemoteHint is a hint as the platform stores it.
type RemoteHint struct {
	Content string `json:"content"`
	Cost    int    `json:"cost"`
}

// RemoteFile is an attachment. Location is the platform's storage path,
// typically "<hash>/<name>".
type RemoteFile struct {
	Location string `json:"location"`
	SHA1     string `json:"sha1sum"`
}

// FlagData values.
const (
	FlagDataCaseInsensitive = "case_insensitive"
)

// Normalize converts a remote record to the local definition shape so the
// two can be compared field by field. Sets are sorted; hints keep their
// order.
func (r *RemoteChallenge) Normalize() challenge.Definition {
	d := challenge.Definition{
		ID:             r.ID,
		Category:       r.Category,
		Name:           r.Name,
		Description:    normalizeText(r.Description),
		Value:          r.Value,
		Visibility:     normalizeVisibility(r.State),
		ConnectionInfo: normalizeText(r.ConnectionInfo),
		MaxAttempts:    r.MaxAttempts,
	}

	for _, f := range r.Flags {
		mode := challenge.FlagModeStatic
		if strings.EqualFold(f.Type, string(challenge.FlagModeRegex)) {
			mode = challenge.FlagModeRegex
		}
		d.Flags = append(d.Flags, challenge.Flag{
			Value:           f.Content,
			Mode:            mode,
			CaseInsensitive: f.Data == FlagDataCaseInsensitive,
		})
	}
	slices.SortFunc(d.Flags, func(a, b challenge.Flag) int {
		return strings.Compare(a.Key(), b.Key())
	})

	for _, h := range r.Hints {
		d.Hints = append(d.Hints, challenge.Hint{Content: normalizeText(h.Content), Cost: h.Cost})
	}

	for _, f := range r.Files {
		d.Files = append(d.Files, challenge.File{
			Name: path.Base(f.Location),
			SHA1: strings.ToLower(f.SHA1),
		})
	}
	slices.SortFunc(d.Files, func(a, b challenge.File) int {
		return strings.Compare(a.Name, b.Name)
	})

	d.Prerequisites = slices.Clone(r.Prerequisites)
	slices.Sort(d.Prerequisites)
	d.Prerequisites = slices.Compact(d.Prerequisites)

	d.Tags = slices.Clone(r.Tags)
	slices.Sort(d.Tags)
	d.Tags = slices.Compact(d.Tags)

	return d
}

func normalizeText(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func normalizeVisibility(state string) challenge.Visibility {
	if strings.EqualFold(state, string(challenge.VisibilityVisible)) {
		return challenge.VisibilityVisible
	}
	return challenge.VisibilityHidden
}
