package models

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// DefaultBranchPrefix is the namespace for task branches.
const DefaultBranchPrefix = "apex"

const maxSlugLen = 40

// NewID generates a new ULID string. IDs from one process sort in creation
// order.
func NewID() string {
	return ulid.Make().String()
}

// ShortID returns the lower-cased tail of a ULID, which carries the random part.
func ShortID(id string) string {
	id = strings.ToLower(id)
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// Slugify converts free text to a branch-safe slug.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		if r == ' ' || r == '_' || r == '/' || r == '.' {
			return '-'
		}
		return -1
	}, s)
	var clean []string
	for _, p := range strings.Split(s, "-") {
		if p != "" {
			clean = append(clean, p)
		}
	}
	result := strings.Join(clean, "-")
	if len(result) > maxSlugLen {
		result = strings.TrimRight(result[:maxSlugLen], "-")
	}
	return result
}

// BranchName derives a task branch from its id and title. The id suffix keeps
// names unique across tasks with the same title.
func BranchName(prefix, id, title string) string {
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	short := ShortID(id)
	slug := Slugify(title)
	if slug == "" {
		return prefix + "/" + short
	}
	return prefix + "/" + slug + "-" + short
}
