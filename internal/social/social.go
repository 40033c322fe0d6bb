// Package social aggregates individual candidate rankings into a single
// social ranking using the Schulze method (Schulze, M. 2011), with
// configurable tie-breaking.
//
// Rank vectors are 0-based and lower-is-better: rank 0 is the top candidate.
// Ties are expressed as equal values. A row consisting entirely of Mock marks
// an abstaining voter and is excluded from aggregation.
package social

import (
	"fmt"
	"math/rand"
	"slices"
)

// Mock is the reserved rank marking an abstaining row. A row must be either
// fully Mock or fully ranked; mixing is invalid.
const Mock = -1

// TieBreak selects how ties in the aggregate ranking are resolved.
type TieBreak string

const (
	// TiesAllowed returns the tied ranking unchanged.
	TiesAllowed TieBreak = "ties_allowed"
	// Random refines the tied ranking with one random permutation ballot.
	Random TieBreak = "random"
	// TBRC refines with actual ballots visited in random order, falling back
	// to a random permutation if the ballots cannot fully untie. This is the
	// tie-breaking ranking of the candidates prescribed by Schulze.
	TBRC TieBreak = "tbrc"
)

// Result holds the aggregate ranking per candidate, 0 = best.
type Result struct {
	// Tied may contain equal ranks, or all Mock when every ballot abstained.
	Tied []int
	// Untied is a strict permutation of 0..K-1 except under TiesAllowed,
	// where it equals Tied.
	Untied []int
}

// Aggregate runs the Schulze method over rankings[voter][candidate] and
// breaks ties per mode. The same rankings, mode, and seed always produce the
// same result.
func Aggregate(rankings [][]int, mode TieBreak, seed int64) (Result, error) {
	if len(rankings) == 0 {
		return Result{}, fmt.Errorf("social: empty ranking matrix")
	}
	k := len(rankings[0])
	if k == 0 {
		return Result{}, fmt.Errorf("social: zero candidates")
	}
	for _, row := range rankings {
		if len(row) != k {
			return Result{}, fmt.Errorf("social: ragged ranking matrix")
		}
	}

	rng := rand.New(rand.NewSource(seed))

	ballots, err := dropAbstaining(rankings)
	if err != nil {
		return Result{}, err
	}
	if len(ballots) == 0 {
		tied := make([]int, k)
		for i := range tied {
			tied[i] = Mock
		}
		return Result{Tied: tied, Untied: rng.Perm(k)}, nil
	}

	if err := checkMatrix(ballots); err != nil {
		return Result{}, err
	}

	tied := rankCandidates(pathStrengths(pairwiseDefeats(ballots)))
	if isStrict(tied) || mode == TiesAllowed {
		return Result{Tied: tied, Untied: slices.Clone(tied)}, nil
	}

	work := slices.Clone(tied)
	switch mode {
	case TBRC:
		// Refinements accumulate: each ballot splits surviving tie groups
		// without reordering already-separated candidates.
		for _, bi := range rng.Perm(len(ballots)) {
			work = refineWithBallot(work, ballots[bi])
			if isStrict(work) {
				return Result{Tied: tied, Untied: work}, nil
			}
		}
	case Random:
	default:
		return Result{}, fmt.Errorf("social: unsupported tie break mode %q", mode)
	}

	// A strict permutation ballot always fully unties.
	work = refineWithBallot(work, rng.Perm(k))
	return Result{Tied: tied, Untied: work}, nil
}

// dropAbstaining removes fully-Mock rows. A row with some but not all Mock
// cells is an error.
func dropAbstaining(rankings [][]int) ([][]int, error) {
	kept := make([][]int, 0, len(rankings))
	for i, row := range rankings {
		mocks := 0
		for _, r := range row {
			if r == Mock {
				mocks++
			}
		}
		switch mocks {
		case 0:
			kept = append(kept, row)
		case len(row):
		default:
			return nil, fmt.Errorf("social: row %d mixes mock and real ranks", i)
		}
	}
	return kept, nil
}

// checkMatrix validates that every row is a well-formed ranking: minimum 0
// and, when sorted, consecutive steps of 0 or 1.
func checkMatrix(rankings [][]int) error {
	for i, row := range rankings {
		sorted := slices.Clone(row)
		slices.Sort(sorted)
		if sorted[0] != 0 {
			return fmt.Errorf("social: row %d does not start at rank 0", i)
		}
		for j := 1; j < len(sorted); j++ {
			if d := sorted[j] - sorted[j-1]; d != 0 && d != 1 {
				return fmt.Errorf("social: row %d has a rank gap of %d", i, d)
			}
		}
	}
	return nil
}

// Normalize maps an integer vector to consecutive 0-based ranks preserving
// order and ties, e.g. [0, 2, 5, 5] -> [0, 1, 2, 2].
func Normalize(ranking []int) []int {
	uniq := slices.Clone(ranking)
	slices.Sort(uniq)
	uniq = slices.Compact(uniq)
	rank := make(map[int]int, len(uniq))
	for i, v := range uniq {
		rank[v] = i
	}
	out := make([]int, len(ranking))
	for i, v := range ranking {
		out[i] = rank[v]
	}
	return out
}

func isStrict(ranking []int) bool {
	seen := make(map[int]struct{}, len(ranking))
	for _, v := range ranking {
		if _, dup := seen[v]; dup {
			return false
		}
		seen[v] = struct{}{}
	}
	return true
}

// refineWithBallot splits tie groups in ranking by the ballot's preferences.
// Multiplying by K keeps separated candidates separated; adding the
// normalized ballot orders within groups.
func refineWithBallot(ranking, ballot []int) []int {
	k := len(ranking)
	normed := Normalize(ranking)
	ballotNormed := Normalize(ballot)
	combined := make([]int, k)
	for i := range combined {
		combined[i] = normed[i]*k + ballotNormed[i]
	}
	return Normalize(combined)
}
