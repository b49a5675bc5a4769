package diffscript

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// applyScript is a reference interpreter used only by the tests, to confirm
// that replaying a script against oldText reproduces newText.
func applyScript(oldText string, steps []Step) string {
	runes := []rune(oldText)
	for _, s := range steps {
		switch s.Kind {
		case Insert:
			ins := []rune(s.Text)
			out := make([]rune, 0, len(runes)+len(ins))
			out = append(out, runes[:s.Pos]...)
			out = append(out, ins...)
			out = append(out, runes[s.Pos:]...)
			runes = out
		case Delete:
			out := make([]rune, 0, len(runes)-s.Len)
			out = append(out, runes[:s.Pos]...)
			out = append(out, runes[s.Pos+s.Len:]...)
			runes = out
		}
	}
	return string(runes)
}

func TestCompute_NoChange(t *testing.T) {
	assert.Nil(t, Compute("same", "same"))
}

func TestCompute_PureInsert(t *testing.T) {
	steps := Compute("hello", "hello world")
	assert.Equal(t, "hello world", applyScript("hello", steps))
}

func TestCompute_PureDelete(t *testing.T) {
	steps := Compute("hello world", "hello")
	assert.Equal(t, "hello", applyScript("hello world", steps))
}

func TestCompute_MiddleEdit(t *testing.T) {
	old := "the quick brown fox"
	next := "the slow brown fox jumps"
	steps := Compute(old, next)
	assert.Equal(t, next, applyScript(old, steps))
}

func TestCompute_UnicodeRunes(t *testing.T) {
	old := "café ü"
	next := "cafés üü"
	steps := Compute(old, next)
	assert.Equal(t, next, applyScript(old, steps))
}

func TestCompute_EmptyToFull(t *testing.T) {
	steps := Compute("", "brand new content")
	assert.Equal(t, "brand new content", applyScript("", steps))
}

func TestCompute_FullToEmpty(t *testing.T) {
	steps := Compute("all gone", "")
	assert.Equal(t, "", applyScript("all gone", steps))
}
