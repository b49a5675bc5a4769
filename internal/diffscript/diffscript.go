// Package diffscript turns a before/after pair of document texts into a
// minimal ordered script of position-based insert/delete operations, used
// by the coordinator's external-change path to
// reconcile an on-disk edit made outside the hub into the live replica
// without discarding concurrent remote edits the way a full
// replace-the-whole-document would.
package diffscript

import "github.com/pmezard/go-difflib/difflib"

// OpKind distinguishes the two edits a Step can describe.
type OpKind int

const (
	// Insert inserts Text at Pos (a rune offset into the text *before* this
	// step is applied, consistent with applying steps in order).
	Insert OpKind = iota
	// Delete removes Len runes starting at Pos.
	Delete
)

// Step is one edit in the script, expressed as a position in the evolving
// document rather than as a line/column pair, so callers can feed it
// straight into replica.Replica.Insert/Delete.
type Step struct {
	Kind OpKind
	Pos  int
	Text string // Insert only
	Len  int    // Delete only
}

// Compute returns the edit script transforming oldText into newText, as a
// sequence of rune-offset insert/delete steps in application order. It
// operates on Unicode code points, not bytes, matching the position
// semantics replica.Replica.Insert/Delete use.
func Compute(oldText, newText string) []Step {
	oldRunes := []rune(oldText)
	newRunes := []rune(newText)
	if oldText == newText {
		return nil
	}

	matcher := difflib.NewMatcher(runesToStrings(oldRunes), runesToStrings(newRunes))

	var steps []Step
	shift := 0 // net runes inserted/deleted so far, to translate old-text
	// opcode indices into positions in the document as it is edited in order.
	for _, oc := range matcher.GetOpCodes() {
		switch oc.Tag {
		case 'e':
			continue
		case 'd':
			pos := oc.I1 + shift
			n := oc.I2 - oc.I1
			steps = append(steps, Step{Kind: Delete, Pos: pos, Len: n})
			shift -= n
		case 'i':
			pos := oc.I1 + shift
			text := string(newRunes[oc.J1:oc.J2])
			steps = append(steps, Step{Kind: Insert, Pos: pos, Text: text})
			shift += oc.J2 - oc.J1
		case 'r':
			delPos := oc.I1 + shift
			delLen := oc.I2 - oc.I1
			steps = append(steps, Step{Kind: Delete, Pos: delPos, Len: delLen})
			shift -= delLen
			insPos := delPos
			text := string(newRunes[oc.J1:oc.J2])
			steps = append(steps, Step{Kind: Insert, Pos: insPos, Text: text})
			shift += oc.J2 - oc.J1
		}
	}
	return steps
}

func runesToStrings(rs []rune) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}
