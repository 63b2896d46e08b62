package llm

import (
	"fmt"
	"strings"
)

// SaliencePrompt asks for a 0-1 importance judgment of one memory summary.
func SaliencePrompt(summary string) string {
	return fmt.Sprintf(`Rate the salience of this memory fragment on a 0-1 scale.

"%s"

Guidelines:
- anomalies, failures, errors: 0.8-1.0
- important task milestones: 0.6-0.8
- routine operations: 0.3-0.5
- repetitive filler actions: 0.0-0.3

Return ONLY a single float between 0 and 1, no explanation.`, summary)
}

// MergeSummaryPrompt asks for one coarse summary covering several
// low-utility sibling memories.
func MergeSummaryPrompt(summaries []string) string {
	var b strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return fmt.Sprintf(`Merge these related memory fragments into one concise summary.
They describe adjacent events of low individual importance; preserve what
happened overall, drop repetitive detail.

%s
Return ONLY the merged summary text, no preamble.`, b.String())
}

// CascadeSummaryPrompt asks for a regenerated parent summary from its
// children's current summaries after a correction below it.
func CascadeSummaryPrompt(prior string, children []string) string {
	var b strings.Builder
	for i, s := range children {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return fmt.Sprintf(`A memory below this summary was corrected. Regenerate the summary
from its children's current descriptions.

PRIOR SUMMARY:
%s

CHILDREN:
%s
Stay close to the prior summary's scope and wording; change only what the
children's content requires. Return ONLY the summary text.`, prior, b.String())
}

// ReperceivePrompt asks for a corrected scene description using the user's
// correction as a hint. Used when a textual re-derivation has to stand in
// for a full visual re-perception.
func ReperceivePrompt(prior, hint string) string {
	return fmt.Sprintf(`A perception summary was reported as wrong.

PRIOR DESCRIPTION:
%s

USER CORRECTION:
%s

Rewrite the description so it is consistent with the correction while
keeping every detail the correction does not dispute. Return ONLY the
rewritten description.`, prior, hint)
}
