// Package ledger derives which receipts already exist on disk. The output
// directory listing is the only record of prior runs: a receipt counts as
// downloaded exactly when a file named by Filename exists for its identifier.
package ledger

import (
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"receipt_harvester/internal/errs"

	"github.com/cockroachdb/errors"
)

const (
	Ext        = ".pdf"
	dateLayout = "2006-01-02"
	undated    = "undated"
	sep        = "_"

	// MaxEscapedID keeps a name, and the hidden temporary file written next
	// to it, below the common 255-byte limit on file names.
	MaxEscapedID = 200
)

var ErrIDTooLong = errors.New("identifier too long for a file name")

// CheckID reports whether id can be stored under Filename.
func CheckID(id string) error {
	if n := len(url.QueryEscape(id)); n > MaxEscapedID {
		return errors.Wrapf(ErrIDTooLong, "%d bytes escaped, limit %d", n, MaxEscapedID)
	}
	return nil
}

// Filename is the single naming scheme shared by the fetcher and Scan.
// The identifier is query-escaped so path separators and whitespace never
// reach the filesystem; the date prefix never contains the separator, so the
// identifier is everything after the first one.
func Filename(id string, issued time.Time) string {
	prefix := undated
	if !issued.IsZero() {
		prefix = issued.Format(dateLayout)
	}
	return prefix + sep + url.QueryEscape(id) + Ext
}

// Parse recovers the identifier embedded by Filename. Names that Filename
// could not have produced, including temporary ".part" files, are rejected.
func Parse(name string) (string, bool) {
	stem, ok := strings.CutSuffix(name, Ext)
	if !ok {
		return "", false
	}
	prefix, escaped, ok := strings.Cut(stem, sep)
	if !ok || escaped == "" {
		return "", false
	}
	if prefix != undated {
		if _, err := time.Parse(dateLayout, prefix); err != nil {
			return "", false
		}
	}
	id, err := url.QueryUnescape(escaped)
	if err != nil || id == "" || url.QueryEscape(id) != escaped {
		return "", false
	}
	return id, true
}

// Set of invoice identifiers already handled.
type Set map[string]struct{}

func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Add(id string) {
	s[id] = struct{}{}
}

func (s Set) Len() int {
	return len(s)
}

// IDs returns the identifiers in sorted order.
func (s Set) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scan lists dir and returns the identifiers present. A missing directory is
// an empty set.
func Scan(dir string) (Set, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return NewSet(), nil
	}
	if err != nil {
		return nil, errs.Output(err, "list output directory")
	}

	set := NewSet()
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if id, ok := Parse(entry.Name()); ok {
			set.Add(id)
		}
	}
	return set, nil
}

// EnsureDir creates dir if needed.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Output(err, "create output directory")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return errs.Output(err, "stat output directory")
	}
	if !info.IsDir() {
		return errs.Output(errors.Newf("%s is not a directory", dir), "create output directory")
	}
	return nil
}
