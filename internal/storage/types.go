package storage

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Entry is one child of a listed directory.
type Entry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	IsDir        bool      `json:"is_dir"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Owner        string    `json:"owner"`
}

// Breadcrumb is one ancestor on the way from the root to a listed directory.
type Breadcrumb struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Listing is one page of a directory.
type Listing struct {
	Path        string       `json:"path"`
	Breadcrumbs []Breadcrumb `json:"breadcrumbs"`
	Items       []Entry      `json:"items"`
	TotalCount  int          `json:"total_count"`
	Offset      int          `json:"offset"`
	Limit       int          `json:"limit"`
}

// SortOrder selects the listing key. Directories always come first.
type SortOrder int

const (
	SortNameAsc SortOrder = iota
	SortNameDesc
	SortModifiedAsc
	SortModifiedDesc
)

var sortNames = map[SortOrder]string{
	SortNameAsc:      "NAME_ASC",
	SortNameDesc:     "NAME_DESC",
	SortModifiedAsc:  "MODIFIED_ASC",
	SortModifiedDesc: "MODIFIED_DESC",
}

func (s SortOrder) String() string {
	if n, ok := sortNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SortOrder(%d)", int(s))
}

// ParseSortOrder parses NAME_ASC style names, case-insensitively.
// An empty string yields SortNameAsc.
func ParseSortOrder(s string) (SortOrder, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return SortNameAsc, nil
	}
	for k, v := range sortNames {
		if v == s {
			return k, nil
		}
	}
	return SortNameAsc, Invalid("parse sort", "", "unknown sort order %q", s)
}

// Content is an opened file. The caller must close Body.
type Content struct {
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
	Body        io.ReadCloser
}

// DefaultContentType is used when the type cannot be determined.
const DefaultContentType = "application/octet-stream"
