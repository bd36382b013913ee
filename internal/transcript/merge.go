package transcript

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// MergeInconsistency reports input the merger cannot turn into a transcript.
type MergeInconsistency struct {
	Reason string
	// Index is the offending word position in the input, or -1.
	Index int
}

func (e *MergeInconsistency) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("merge inconsistency: %s (word %d)", e.Reason, e.Index)
	}
	return "merge inconsistency: " + e.Reason
}

// ApplyAlignment returns the word list to merge. Aligned words replace the
// raw ones; when both lists have the same length the raw confidence is kept
// for aligned words that carry none.
func ApplyAlignment(raw, aligned []Word) []Word {
	if len(aligned) == 0 {
		return raw
	}
	out := make([]Word, len(aligned))
	copy(out, aligned)
	if len(raw) == len(aligned) {
		for i := range out {
			if out[i].Confidence == 0 {
				out[i].Confidence = raw[i].Confidence
			}
		}
	}
	return out
}

// Merge assigns every word to the turn containing its midpoint and groups
// consecutive words of the same cluster into utterances.
//
// Words whose midpoint lies outside every turn go to the nearest turn, ties
// to the earlier one. With no turns the result is a single utterance with an
// empty cluster id. The returned utterances are sorted and do not overlap.
func Merge(words []Word, turns []Turn) ([]Utterance, error) {
	if len(words) == 0 {
		return nil, &MergeInconsistency{Reason: "no words", Index: -1}
	}
	for i, w := range words {
		if math.IsNaN(w.Start) || math.IsNaN(w.End) || w.Start < 0 || w.End < w.Start {
			return nil, &MergeInconsistency{
				Reason: fmt.Sprintf("invalid word timing [%g, %g]", w.Start, w.End),
				Index:  i,
			}
		}
	}

	ws := slices.Clone(words)
	slices.SortStableFunc(ws, func(a, b Word) int { return cmp.Compare(a.Start, b.Start) })
	ts := slices.Clone(turns)
	slices.SortStableFunc(ts, func(a, b Turn) int { return cmp.Compare(a.Start, b.Start) })

	labels := assignClusters(ws, ts)

	var out []Utterance
	for i, w := range ws {
		if len(out) == 0 || labels[i] != out[len(out)-1].ClusterID {
			out = append(out, Utterance{ClusterID: labels[i], Start: w.Start, End: w.End})
		}
		cur := &out[len(out)-1]
		cur.Words = append(cur.Words, w)
		if w.End > cur.End {
			cur.End = w.End
		}
	}

	for i := 0; i+1 < len(out); i++ {
		if out[i].End > out[i+1].Start {
			out[i].End = out[i+1].Start
		}
	}
	return out, nil
}

// assignClusters returns the cluster id for each sorted word.
func assignClusters(ws []Word, ts []Turn) []string {
	labels := make([]string, len(ws))
	if len(ts) == 0 {
		return labels
	}
	idx := -1
	for i, w := range ws {
		mid := w.Midpoint()
		for idx+1 < len(ts) && ts[idx+1].Start <= mid {
			idx++
		}
		labels[i] = ts[pickTurn(ts, idx, mid)].ClusterID
	}
	return labels
}

// pickTurn prefers the latest-starting turn that contains t and otherwise
// falls back to the nearest turn.
func pickTurn(ts []Turn, idx int, t float64) int {
	for j := idx; j >= 0; j-- {
		if ts[j].Contains(t) {
			return j
		}
	}
	return nearestTurn(ts, t)
}

func nearestTurn(ts []Turn, t float64) int {
	best := 0
	bestDist := ts[0].distance(t)
	for j := 1; j < len(ts); j++ {
		if d := ts[j].distance(t); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

// ClusterOrder lists distinct cluster ids by first appearance. The empty id
// produced when diarization is off counts as a cluster.
func ClusterOrder(utts []Utterance) []string {
	seen := make(map[string]bool)
	var order []string
	for _, u := range utts {
		if !seen[u.ClusterID] {
			seen[u.ClusterID] = true
			order = append(order, u.ClusterID)
		}
	}
	return order
}
