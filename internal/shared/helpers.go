// Package shared holds small dependency-free utilities shared across the
// telegram runtime/pacing code.
package shared

import "math/rand/v2"

// Random returns a pseudo-random int in [fromMin, toMax] inclusive,
// returning fromMin unchanged if fromMin >= toMax. Not cryptographically
// secure — only used for jittering pacing delays.
func Random(fromMin, toMax int) int {
	if fromMin >= toMax {
		return fromMin
	}
	return rand.IntN(toMax-fromMin+1) + fromMin // #nosec G404
}
