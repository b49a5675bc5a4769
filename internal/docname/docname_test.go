package docname

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  bool
	}{
		{"simple relative", "notes", true},
		{"relative with extension", "notes.md", true},
		{"nested relative", "journal/2024/january", true},
		{"rooted", "/var/docs/readme.md", true},
		{"dashes and underscores", "my-doc_v2", true},
		{"empty", "", false},
		{"dot dot segment", "../etc/passwd", false},
		{"embedded dot dot", "docs/../secret", false},
		{"dot dot via backslash", `docs\..\secret`, false},
		{"leading backslash", `\evil`, false},
		{"space", "my doc", false},
		{"asterisk", "bad*name", false},
		{"over max length", strings.Repeat("a", MaxNameLength+1), false},
		{"exactly max length", strings.Repeat("a", MaxNameLength), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Validate(tc.input), "input: %q", tc.input)
		})
	}
}

func TestWithExtension(t *testing.T) {
	exts := []string{".md", ".txt"}

	assert.Equal(t, "notes.md", WithExtension("notes", exts, ".md"))
	assert.Equal(t, "notes.md", WithExtension("notes.md", exts, ".md"))
	assert.Equal(t, "notes.txt", WithExtension("notes.txt", exts, ".md"))
}

func TestResolveFilePath(t *testing.T) {
	assert.Equal(t, "/base/notes.md", ResolveFilePath("/base", "notes.md"))
	assert.Equal(t, "/abs/doc.md", ResolveFilePath("/base", "/abs/doc.md"))
}

func TestFlattenForSnapshot(t *testing.T) {
	assert.Equal(t, "journal_2024_jan.md", FlattenForSnapshot("journal/2024/jan.md"))
	assert.Equal(t, "var_docs_readme.md", FlattenForSnapshot("/var/docs/readme.md"))
}

func TestStripPrefix(t *testing.T) {
	assert.Equal(t, "notes.md", StripPrefix("/notes.md", ""))
	assert.Equal(t, "notes.md", StripPrefix("/sync/notes.md", "/sync"))
	assert.Equal(t, "sync-unrelated/notes.md", StripPrefix("/sync-unrelated/notes.md", ""))
}
