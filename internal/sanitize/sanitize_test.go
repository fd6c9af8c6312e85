package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilenameMapsEveryIllegalCharacter(t *testing.T) {
	in := `a\b/c:d*e?f"g<h>i|j.k`
	want := "a b c：d⭐e？f'g《h》i丨j·k"
	assert.Equal(t, want, Filename(in))
}

func TestFilenameTrimsWhitespace(t *testing.T) {
	assert.Equal(t, "title", Filename("  title  "))
}

func TestFilenameIsIdempotent(t *testing.T) {
	in := `weird: title / name*.txt`
	once := Filename(in)
	twice := Filename(once)
	assert.Equal(t, once, twice)
}

func TestFilenameLeavesOrdinaryTextUnchanged(t *testing.T) {
	assert.Equal(t, "第一话 开始", Filename("第一话 开始"))
}
