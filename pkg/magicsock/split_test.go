package magicsock

import (
	"bytes"
	"testing"
)

func TestSplitPackets(t *testing.T) {
	cases := []struct {
		name        string
		contents    string
		segmentSize int
		want        []string
	}{
		{"exact chunks", "helloworld", 5, []string{"hello", "world"}},
		{"no segment size", "helloworld", 0, []string{"helloworld"}},
		{"remainder chunk", "hello world", 5, []string{"hello", " worl", "d"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitPackets([]byte(tc.contents), tc.segmentSize)
			if len(got) != len(tc.want) {
				t.Fatalf("SplitPackets(%q, %d) = %q, want %q", tc.contents, tc.segmentSize, got, tc.want)
			}
			for i, chunk := range got {
				if string(chunk) != tc.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, chunk, tc.want[i])
				}
			}
		})
	}
}

// TestSplitPacketsConcatLaw covers L2: concatenating the chunks always
// reconstructs the original contents, for any segment size.
func TestSplitPacketsConcatLaw(t *testing.T) {
	contents := []byte("the quick brown fox jumps over the lazy dog")
	for segmentSize := 0; segmentSize <= len(contents)+5; segmentSize++ {
		chunks := SplitPackets(contents, segmentSize)
		var buf bytes.Buffer
		for _, c := range chunks {
			if segmentSize > 0 && len(c) > segmentSize {
				t.Fatalf("segmentSize=%d: chunk length %d exceeds segment size", segmentSize, len(c))
			}
			buf.Write(c)
		}
		if !bytes.Equal(buf.Bytes(), contents) {
			t.Fatalf("segmentSize=%d: concat(split_packets(t)) != t.contents", segmentSize)
		}
	}
}
