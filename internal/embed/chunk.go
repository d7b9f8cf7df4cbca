package embed

// SplitSlice partitions values into contiguous chunks of at most size elements,
// left to right. The last chunk may be shorter. Empty input yields no chunks.
// Chunks share the backing array of values.
func SplitSlice[V any](values []V, size int) [][]V {
	if size <= 0 {
		size = len(values)
	}
	if len(values) == 0 {
		return nil
	}
	chunks := make([][]V, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end:end])
	}
	return chunks
}
