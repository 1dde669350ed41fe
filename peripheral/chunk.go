package peripheral

// Chunks splits value into consecutive windows of at most size bytes. The
// chunks are subslices of value (no copying), so concatenating them in
// order reproduces the input exactly; only the final chunk may be shorter
// than size. An empty value yields nil, as does a non-positive size, which
// enqueue validation rejects before the chunker ever runs.
func Chunks(value []byte, size int) [][]byte {
	if len(value) == 0 || size <= 0 {
		return nil
	}
	out := make([][]byte, 0, (len(value)+size-1)/size)
	for len(value) > size {
		out = append(out, value[:size:size])
		value = value[size:]
	}
	return append(out, value)
}
