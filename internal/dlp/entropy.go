package dlp

import (
	"math"
	"regexp"
)

// tokenRe splits text into candidate secret tokens for entropy rules.
var tokenRe = regexp.MustCompile(`[A-Za-z0-9+/=_\-.]+`)

// ShannonEntropy returns the entropy of s in bits per byte, in [0,8].
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
