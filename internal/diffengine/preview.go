package diffengine

import (
	"fmt"
	"html"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// PreviewText renders a plain-text summary of a diff with inline
// change markers. Pure formatting, no filesystem access.
func PreviewText(d *Diff) string {
	var b strings.Builder
	sep := strings.Repeat("=", 62)
	fmt.Fprintf(&b, "%s\nOperation : %s\nFile      : %s\nChanges   : +%d / -%d\n%s\n",
		sep, strings.ToUpper(string(d.Op)), d.Path, d.Additions, d.Deletions, sep)

	if d.Op == OpCreate {
		b.WriteString(truncate(d.NewContent, 800))
		return b.String()
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(deref(d.OriginalContent), effectiveContent(d), false)
	dmp.DiffCleanupSemantic(diffs)
	b.WriteString(dmp.DiffPrettyText(diffs))
	return b.String()
}

// PreviewHTML renders a side-by-side before/after table for display in
// a collaborator UI. Pure formatting, no filesystem access.
func PreviewHTML(d *Diff) string {
	before := splitLines(deref(d.OriginalContent))
	after := splitLines(effectiveContent(d))

	changedBefore, changedAfter := changedLineSets(deref(d.OriginalContent), effectiveContent(d))

	var b strings.Builder
	b.WriteString(`<table class="diff-preview"><thead><tr><th>Before</th><th>After</th></tr></thead><tbody>`)
	rows := max(len(before), len(after))
	for i := 0; i < rows; i++ {
		b.WriteString("<tr>")
		writeCell(&b, before, i, changedBefore, "del")
		writeCell(&b, after, i, changedAfter, "ins")
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

func writeCell(b *strings.Builder, lines []string, i int, changed map[string]bool, class string) {
	if i >= len(lines) {
		b.WriteString("<td></td>")
		return
	}
	line := lines[i]
	if changed[line] {
		fmt.Fprintf(b, `<td class=%q>%s</td>`, class, html.EscapeString(line))
		return
	}
	fmt.Fprintf(b, "<td>%s</td>", html.EscapeString(line))
}

// changedLineSets marks which exact lines were removed or added, so
// the side-by-side view can highlight them.
func changedLineSets(before, after string) (removed, added map[string]bool) {
	removed = map[string]bool{}
	added = map[string]bool{}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffDelete:
				removed[line] = true
			case diffmatchpatch.DiffInsert:
				added[line] = true
			}
		}
	}
	return removed, added
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("\n… (%d total chars)", len(s))
}
