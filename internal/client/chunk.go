package client

// chunkRanges partitions a sequence of items into contiguous [start, end)
// ranges such that, for each range, prefixLen plus the summed item lengths
// plus sepLen between neighbours stays within limit. The first item of a
// range is always accepted, so a single oversized item still yields exactly
// one range rather than being dropped. Every index appears in exactly one
// range, in order.
func chunkRanges(prefixLen, sepLen, limit int, itemLens []int) [][2]int {
	var ranges [][2]int
	start := 0
	currentLen := prefixLen

	for i, itemLen := range itemLens {
		added := itemLen
		if i > start {
			added += sepLen
		}
		if i > start && currentLen+added > limit {
			ranges = append(ranges, [2]int{start, i})
			start = i
			currentLen = prefixLen
			added = itemLen
		}
		currentLen += added
	}
	if start < len(itemLens) {
		ranges = append(ranges, [2]int{start, len(itemLens)})
	}
	return ranges
}

// chunkValues splits values into comma-separated chunks whose joined length,
// including prefixLen, stays within limit.
func chunkValues(prefixLen int, values []string, limit int) [][]string {
	lens := make([]int, len(values))
	for i, value := range values {
		lens[i] = len(value)
	}

	var chunks [][]string
	for _, r := range chunkRanges(prefixLen, 1, limit, lens) {
		chunks = append(chunks, values[r[0]:r[1]])
	}
	return chunks
}
