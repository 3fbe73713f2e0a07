package selection

import (
	"cmp"
	"math/rand/v2"
	"slices"

	"github.com/pavelanni/certexam/internal/model"
)

type ranked struct {
	q    model.Question
	rate float64
	key  uint64
}

// rank orders candidates least-shown first, then weakest first. Ties are
// broken by a key drawn fresh for every call.
func rank(candidates []model.Question, r *rand.Rand) []model.Question {
	items := make([]ranked, len(candidates))
	for i, q := range candidates {
		items[i] = ranked{q: q, rate: q.CorrectnessRate(), key: r.Uint64()}
	}
	slices.SortFunc(items, func(a, b ranked) int {
		if c := cmp.Compare(a.q.ShownCount, b.q.ShownCount); c != 0 {
			return c
		}
		if c := cmp.Compare(a.rate, b.rate); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
	out := make([]model.Question, len(items))
	for i, it := range items {
		out[i] = it.q
	}
	return out
}

// dedupByText keeps the best-ranked question for each distinct text.
func dedupByText(qs []model.Question) []model.Question {
	seen := make(map[string]bool, len(qs))
	out := qs[:0:0]
	for _, q := range qs {
		if seen[q.Text] {
			continue
		}
		seen[q.Text] = true
		out = append(out, q)
	}
	return out
}

// diversify picks up to n questions from a ranked working set so that every
// category present gets at least floor(n/C) of them when it has that many,
// and no category gets more than ceil(n/C) while others still have unpicked
// questions. Categories are visited round-robin in order of first
// appearance, then any shortfall is filled in rank order.
func diversify(working []model.Question, n int) []model.Question {
	if len(working) <= n {
		return slices.Clone(working)
	}

	var order []string
	groups := make(map[string][]model.Question)
	for _, q := range working {
		if _, ok := groups[q.Category]; !ok {
			order = append(order, q.Category)
		}
		groups[q.Category] = append(groups[q.Category], q)
	}
	quota := (n + len(order) - 1) / len(order)

	chosen := make([]model.Question, 0, n)
	picked := make(map[int64]bool, n)
	for round := 0; round < quota && len(chosen) < n; round++ {
		for _, c := range order {
			if len(chosen) == n {
				break
			}
			if round < len(groups[c]) {
				q := groups[c][round]
				chosen = append(chosen, q)
				picked[q.ID] = true
			}
		}
	}

	for _, q := range working {
		if len(chosen) == n {
			break
		}
		if !picked[q.ID] {
			chosen = append(chosen, q)
			picked[q.ID] = true
		}
	}
	return chosen
}

// optionOrder returns the presented option order as canonical indices: the
// correct option plus k-1 distinct distractors, shuffled.
func optionOrder(q model.Question, k int, r *rand.Rand) []int {
	k = min(k, len(q.Options))
	distractors := make([]int, 0, len(q.Options)-1)
	for i := range q.Options {
		if i != q.CorrectIndex {
			distractors = append(distractors, i)
		}
	}
	r.Shuffle(len(distractors), func(i, j int) { distractors[i], distractors[j] = distractors[j], distractors[i] })

	order := append(distractors[:k-1:k-1], q.CorrectIndex)
	r.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order
}
