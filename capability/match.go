package capability

// Match reports whether candidate matches the glob pattern. '*' matches any
// run of characters, dots included; '?' matches exactly one character. All
// other characters match literally. An empty pattern matches only an empty
// candidate.
//
// This is the only glob implementation used for permission decisions.
func Match(pattern, candidate string) bool {
	p, c := 0, 0
	star, mark := -1, 0
	for c < len(candidate) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == candidate[c]) && pattern[p] != '*':
			p++
			c++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = c
			p++
		case star >= 0:
			p = star + 1
			mark++
			c = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// Covers reports whether every string matched by child is also matched by
// parent. Wildcards in child are treated as the sets they denote: a parent
// '?' cannot absorb a child '*', and a parent literal absorbs neither.
func Covers(parent, child string) bool {
	memo := make(map[[2]int]bool)
	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		key := [2]int{i, j}
		if v, ok := memo[key]; ok {
			return v
		}
		var res bool
		switch {
		case i == len(parent):
			res = j == len(child)
		case parent[i] == '*':
			// '*' absorbs zero or more child tokens of any kind.
			res = walk(i+1, j) || (j < len(child) && walk(i, j+1))
		case j == len(child):
			res = false
		case child[j] == '*':
			res = false
		case parent[i] == '?':
			res = walk(i+1, j+1)
		case child[j] == '?':
			res = false
		default:
			res = parent[i] == child[j] && walk(i+1, j+1)
		}
		memo[key] = res
		return res
	}
	return walk(0, 0)
}
