package gardener

// Action is the storage-reduction decision for one node in one pass.
type Action int

const (
	// KeepAll leaves the node untouched.
	KeepAll Action = iota
	// Downgrade replaces a level 0/1 raw payload with a lossier copy.
	Downgrade
	// TextOnly deletes a level 0/1 raw payload; the summary remains.
	TextOnly
	// MergeOrDelete marks a level >=2 node as a semantic merge candidate.
	// Level 0/1 nodes in this band behave as TextOnly: text is the floor.
	MergeOrDelete
)

func (a Action) String() string {
	switch a {
	case KeepAll:
		return "keep_all"
	case Downgrade:
		return "downgrade"
	case TextOnly:
		return "text_only"
	case MergeOrDelete:
		return "merge_or_delete"
	}
	return "unknown"
}

// Policy maps an effective utility score to an action via three thresholds
// partitioning [0,1] into four bands.
type Policy struct {
	High float64
	Med  float64
	Low  float64
}

// DefaultPolicy returns the standard 0.7 / 0.4 / 0.2 bands.
func DefaultPolicy() Policy {
	return Policy{High: 0.7, Med: 0.4, Low: 0.2}
}

// Decide returns the action for an effective utility score.
func (p Policy) Decide(utility float64) Action {
	switch {
	case utility >= p.High:
		return KeepAll
	case utility >= p.Med:
		return Downgrade
	case utility >= p.Low:
		return TextOnly
	default:
		return MergeOrDelete
	}
}
