package service

import "sort"

// ResolveTop1 returns the argmax label and its confidence in percent.
// On ties the lowest index wins.
func ResolveTop1(probs []float32, labels LabelIndex) (string, float64) {
	if len(probs) == 0 {
		return "", 0
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return labels.Label(best), float64(probs[best]) * 100
}

// ResolveTopK returns min(k, len(probs)) classes ordered by descending
// confidence, ties broken by ascending index.
func ResolveTopK(probs []float32, labels LabelIndex, k int) []Score {
	if k <= 0 || len(probs) == 0 {
		return []Score{}
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})
	k = min(k, len(idx))

	out := make([]Score, 0, k)
	for _, i := range idx[:k] {
		out = append(out, Score{
			Index:      i,
			Label:      labels.Label(i),
			Confidence: float64(probs[i]) * 100,
		})
	}
	return out
}

func Resolve(probs []float32, labels LabelIndex, k int) Prediction {
	label, conf := ResolveTop1(probs, labels)
	return Prediction{
		Label:      label,
		Confidence: conf,
		Top:        ResolveTopK(probs, labels, k),
	}
}
