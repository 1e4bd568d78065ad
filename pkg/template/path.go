package template

import (
	"strconv"
	"strings"
)

// MaxPathDepth bounds traversal into nested structures so adversarial
// payloads cannot exhaust the stack.
const MaxPathDepth = 20

// blockedSegments are property names that must never be traversed. They are
// meaningless for Go maps but the guard is kept so paths copied from other
// runtimes stay inert.
var blockedSegments = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

type pathSegment struct {
	key   string
	index int
	isIdx bool
}

// parsePath splits a dotted path with optional [N] index suffixes into
// segments: "items[1].values[0]" -> items, [1], values, [0].
func parsePath(path string) ([]pathSegment, bool) {
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, false
		}
		// Peel index suffixes off the identifier.
		key := part
		var idxs []int
		for strings.HasSuffix(key, "]") {
			open := strings.LastIndex(key, "[")
			if open < 0 {
				return nil, false
			}
			n, err := strconv.Atoi(key[open+1 : len(key)-1])
			if err != nil || n < 0 {
				return nil, false
			}
			idxs = append([]int{n}, idxs...)
			key = key[:open]
		}
		if key != "" {
			segs = append(segs, pathSegment{key: key})
		}
		for _, n := range idxs {
			segs = append(segs, pathSegment{index: n, isIdx: true})
		}
	}
	if len(segs) == 0 || len(segs) > MaxPathDepth {
		return nil, false
	}
	return segs, true
}

// Extract resolves a dotted path against decoded JSON properties. The
// second return is false when the path is malformed, blocked, or does not
// resolve to a value.
func Extract(props map[string]any, path string) (any, bool) {
	segs, ok := parsePath(path)
	if !ok {
		return nil, false
	}

	var cur any = props
	for _, seg := range segs {
		if seg.isIdx {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
			continue
		}
		if blockedSegments[seg.key] {
			return nil, false
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := obj[seg.key]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
