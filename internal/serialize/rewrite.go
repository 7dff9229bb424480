package serialize

import "strings"

// Substitution is one ordered (search, replace) pair. Callers sort their
// lists longest-search-first so a URL containing another as a prefix is
// matched before the shorter one mangles it.
type Substitution struct {
	Search  string
	Replace string
}

// Apply runs every substitution in order against a plain string.
func Apply(s string, subs []Substitution) string {
	for _, sub := range subs {
		s = strings.ReplaceAll(s, sub.Search, sub.Replace)
	}
	return s
}

// maxNestingDepth bounds double-serialization unwrapping. Legitimate data
// nests once, occasionally twice; anything deeper is hostile or corrupt
// and is left alone rather than recursed into.
const maxNestingDepth = 16

// Rewrite performs substitution on a column value. Serialized containers
// are decoded, their string leaves rewritten (recursing into leaves that
// are themselves serialized), and the tree re-encoded with all lengths and
// counts recomputed. Non-serialized values and values that fail to decode
// get plain substring replacement. Returns the result and whether it
// differs from the input.
func Rewrite(value string, subs []Substitution) (string, bool) {
	out := rewriteDepth(value, subs, 0)
	return out, out != value
}

func rewriteDepth(value string, subs []Substitution, depth int) string {
	if !IsSerialized(value) {
		return Apply(value, subs)
	}
	if depth >= maxNestingDepth {
		return value
	}

	tree, err := Decode(value)
	if err != nil {
		// Detector false positive; fall back to plain replacement.
		return Apply(value, subs)
	}

	rewriteTree(tree, subs, depth)
	return Encode(tree)
}

// rewriteTree walks the tree with an explicit worklist and a visited set,
// bounding traversal even for pathological self-referencing inputs.
func rewriteTree(root *Value, subs []Substitution, depth int) {
	work := []*Value{root}
	visited := make(map[*Value]bool)

	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		if visited[v] {
			continue
		}
		visited[v] = true

		switch v.Kind {
		case KindString:
			if IsSerialized(v.Str) {
				// Doubly-serialized payload: rewrite the inner document and
				// let re-encoding fix this leaf's byte length.
				v.Str = rewriteDepth(v.Str, subs, depth+1)
			} else {
				v.Str = Apply(v.Str, subs)
			}
		case KindArray, KindObject:
			for i := range v.Entries {
				// Keys are left alone: option and property names are
				// identifiers, not content.
				work = append(work, v.Entries[i].Val)
			}
		}
	}
}
