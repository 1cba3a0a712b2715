package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"receipt_harvester/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var oct30 = time.Date(2025, time.October, 30, 0, 0, 0, 0, time.UTC)

func TestFilename(t *testing.T) {
	assert.Equal(t, "2025-10-30_ABCD1234-0007.pdf", Filename("ABCD1234-0007", oct30))
	assert.Equal(t, "undated_ABCD1234-0007.pdf", Filename("ABCD1234-0007", time.Time{}))
	assert.Equal(t, "undated_acct_1%2Flive_x.pdf", Filename("acct_1/live_x", time.Time{}))
}

func TestFilenameRoundTrip(t *testing.T) {
	ids := []string{
		"I1",
		"ABCD1234-0012",
		"receipt 2024/11",
		"acct_1HOrSw/live_YWNjdF8x",
		"a_b_c",
		"weird%41",
		"plus+sign",
		"über.rechnung",
		"..",
	}
	for _, id := range ids {
		for _, issued := range []time.Time{{}, oct30} {
			name := Filename(id, issued)
			assert.NotContains(t, name, string(filepath.Separator), id)

			got, ok := Parse(name)
			require.True(t, ok, "parse %q", name)
			assert.Equal(t, id, got)
		}
	}
}

func TestFilenameInjective(t *testing.T) {
	ids := []string{"a", "A", "a b", "a+b", "a%20b", "a_b", "a/b", "a%2Fb", "ab", "a.b"}
	seen := map[string]string{}
	for _, id := range ids {
		name := Filename(id, oct30)
		prev, dup := seen[name]
		assert.False(t, dup, "%q and %q share %q", prev, id, name)
		seen[name] = id
	}
}

func TestCheckID(t *testing.T) {
	assert.NoError(t, CheckID("acct_1/live_x"))
	assert.NoError(t, CheckID(strings.Repeat("a", MaxEscapedID)))

	err := CheckID(strings.Repeat("a", MaxEscapedID+1))
	assert.ErrorIs(t, err, ErrIDTooLong)
	// Escaping counts: 70 slashes become 210 bytes.
	assert.ErrorIs(t, CheckID(strings.Repeat("/", 70)), ErrIDTooLong)

	// The longest accepted identifier must still be writable, temp file included.
	dir := t.TempDir()
	name := Filename(strings.Repeat("a", MaxEscapedID), oct30)
	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	require.NoError(t, os.Rename(tmp.Name(), filepath.Join(dir, name)))

	set, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestParseRejects(t *testing.T) {
	for _, name := range []string{
		"notes.txt",
		"receipt.pdf",
		"2025-10-30.pdf",
		"2025-10-30_.pdf",
		"2025-13-40_I1.pdf",
		"yesterday_I1.pdf",
		".2025-10-30_I1.pdf.part",
		"2025-10-30_a b.pdf",
		"2025-10-30_bad%zz.pdf",
		"2025-10-30_I1.PDF",
	} {
		_, ok := Parse(name)
		assert.False(t, ok, name)
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	touch := func(name string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("%PDF-1.4"), 0o644))
	}
	touch(Filename("I5", oct30))
	touch(Filename("I4", time.Time{}))
	touch(Filename("acct/live", oct30))
	touch(".2025-10-30_I3.pdf.part")
	touch("README.md")
	require.NoError(t, os.Mkdir(filepath.Join(dir, Filename("I2", oct30)), 0o755))

	set, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"I4", "I5", "acct/live"}, set.IDs())
	assert.True(t, set.Has("I5"))
	assert.False(t, set.Has("I3"))
	assert.False(t, set.Has("I2"))
}

func TestScan_MissingDirIsEmpty(t *testing.T) {
	set, err := Scan(filepath.Join(t.TempDir(), "receipts"))
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestScan_NotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := Scan(path)
	require.Error(t, err)
	assert.True(t, errs.IsOutput(err))
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	err = EnsureDir(file)
	require.Error(t, err)
	assert.True(t, errs.IsOutput(err))
}

func TestSet(t *testing.T) {
	s := NewSet("b", "a")
	s.Add("c")
	s.Add("a")
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"a", "b", "c"}, s.IDs())
}
