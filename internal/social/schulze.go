package social

// pairwiseDefeats computes D where D[x][y] is the number of voters who rank
// candidate x strictly better than candidate y (lower rank = better).
func pairwiseDefeats(rankings [][]int) [][]int {
	k := len(rankings[0])
	defeats := make([][]int, k)
	for x := range defeats {
		defeats[x] = make([]int, k)
	}
	for _, row := range rankings {
		for x := 0; x < k; x++ {
			for y := 0; y < k; y++ {
				if row[x] < row[y] {
					defeats[x][y]++
				}
			}
		}
	}
	return defeats
}

// pathStrengths computes the strongest-path matrix P over the defeat graph
// by Floyd-Warshall widest path. P[x][y] starts as D[x][y] where x beats y
// head to head, else 0.
func pathStrengths(defeats [][]int) [][]int {
	k := len(defeats)
	p := make([][]int, k)
	for x := range p {
		p[x] = make([]int, k)
		for y := 0; y < k; y++ {
			if x != y && defeats[x][y] > defeats[y][x] {
				p[x][y] = defeats[x][y]
			}
		}
	}
	for pivot := 0; pivot < k; pivot++ {
		for y := 0; y < k; y++ {
			if y == pivot {
				continue
			}
			for z := 0; z < k; z++ {
				if z == pivot || z == y {
					continue
				}
				if s := min(p[y][pivot], p[pivot][z]); s > p[y][z] {
					p[y][z] = s
				}
			}
		}
	}
	return p
}

// rankCandidates orders candidates by how many candidates they weakly
// dominate (P[x][y] >= P[y][x]); more dominated = better rank. Weak
// dominance under Schulze is transitive, so the counts induce a total
// preorder and equal counts are genuine ties.
func rankCandidates(strengths [][]int) []int {
	k := len(strengths)
	counts := make([]int, k)
	for x := 0; x < k; x++ {
		for y := 0; y < k; y++ {
			if strengths[x][y]-strengths[y][x] >= 0 {
				counts[x]++
			}
		}
	}
	neg := make([]int, k)
	for i, c := range counts {
		neg[i] = -c
	}
	return Normalize(neg)
}
