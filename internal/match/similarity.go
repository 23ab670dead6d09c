package match

// Score bundles the three overlap metrics for one log/pane pair (§4.4).
type Score struct {
	Jaccard     float64
	Containment float64
	Hybrid      float64
	LeftTokens  int
	RightTokens int
	Overlap     int
}

// Similarity computes token-overlap scores between two already-tokenised
// texts. left is conventionally the log side, right the tmux pane side.
//
// Jaccard = overlap / (|L| + |R| - overlap)
// Containment = overlap / min(|L|, |R|)
// Hybrid = average(Jaccard, Containment)
//
// Grounded on the containment-style substring scoring used by
// detectStatus/extractPrompt in internal/plugins/worktree/agent.go, adapted
// from status-keyword matching into full token-set overlap.
func Similarity(leftTokens, rightTokens []string) Score {
	leftSet := TokenSet(leftTokens)
	rightSet := TokenSet(rightTokens)

	overlap := 0
	small, big := leftSet, rightSet
	if len(rightSet) < len(leftSet) {
		small, big = rightSet, leftSet
	}
	for t := range small {
		if _, ok := big[t]; ok {
			overlap++
		}
	}

	union := len(leftSet) + len(rightSet) - overlap

	s := Score{
		LeftTokens:  len(leftTokens),
		RightTokens: len(rightTokens),
		Overlap:     overlap,
	}
	if union > 0 {
		s.Jaccard = float64(overlap) / float64(union)
	}
	minLen := len(leftSet)
	if len(rightSet) < minLen {
		minLen = len(rightSet)
	}
	if minLen > 0 {
		s.Containment = float64(overlap) / float64(minLen)
	}
	s.Hybrid = (s.Jaccard + s.Containment) / 2
	return s
}
