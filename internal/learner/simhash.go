package learner

import (
	"hash/fnv"
	"math/bits"
	"strings"
)

// simhash64 fingerprints text for near-duplicate matching: whitespace
// tokens hashed with FNV-1a, weighted by token length.
func simhash64(s string) uint64 {
	s = strings.ToLower(normalizeText(s))
	if s == "" {
		return 0
	}
	var vec [64]int64
	for _, tok := range strings.Fields(s) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		v := h.Sum64()
		w := int64(1 + len(tok)/4)
		for i := 0; i < 64; i++ {
			if (v>>uint(i))&1 == 1 {
				vec[i] += w
			} else {
				vec[i] -= w
			}
		}
	}
	var out uint64
	for i := 0; i < 64; i++ {
		if vec[i] >= 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

func hamming(a, b uint64) int { return bits.OnesCount64(a ^ b) }

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
