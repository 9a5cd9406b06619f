package magicsock

// SplitPackets splits contents into chunks of at most segmentSize bytes,
// for dispatch as individual relay frames. A segmentSize of 0 disables
// splitting: the whole payload is returned as a single chunk. Pure and
// synchronous; it runs on the send hot path.
func SplitPackets(contents []byte, segmentSize int) [][]byte {
	if segmentSize <= 0 || len(contents) <= segmentSize {
		return [][]byte{contents}
	}
	out := make([][]byte, 0, (len(contents)+segmentSize-1)/segmentSize)
	for len(contents) > 0 {
		n := segmentSize
		if n > len(contents) {
			n = len(contents)
		}
		out = append(out, contents[:n])
		contents = contents[n:]
	}
	return out
}
