// Package fairness implements the provably-fair commit/reveal protocol
// that determines each round's crash point.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
)

const (
	// MinMultiplier is the floor of any crash point.
	MinMultiplier = 1.00

	// houseEdge is the fraction of rounds resolved as an instant crash
	// at MinMultiplier, matching the teacher's HOUSE_EDGE constant.
	houseEdge = 0.01
)

// NewSeed returns a cryptographically random 256-bit seed, hex-encoded.
func NewSeed() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("fairness: failed to read random seed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Hash returns the SHA-256 commitment published at round start, over the
// seed and the round number. Players compare this against Hash(revealed
// seed, number) once the seed is revealed at crash.
func Hash(seed string, roundNumber int) string {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write([]byte(fmt.Sprintf("%d", roundNumber)))
	return hex.EncodeToString(h.Sum(nil))
}

// CrashPoint derives the round's crash multiplier deterministically from
// (seed, roundNumber). The result lies in [MinMultiplier, maxCrash],
// rounded to two decimal places.
func CrashPoint(seed string, roundNumber int, maxCrash float64) float64 {
	r := uniformSample(seed, roundNumber)

	if r < houseEdge {
		return MinMultiplier
	}

	raw := 1.0 / (1.0 - (1.0-houseEdge)*r)
	rounded := math.Floor(raw*100) / 100.0

	if rounded < MinMultiplier {
		return MinMultiplier
	}
	if rounded > maxCrash {
		return maxCrash
	}
	return rounded
}

// Verify recomputes the crash point for (seed, roundNumber) and compares
// it against claimedCrash within a tolerance of 0.01.
func Verify(seed string, roundNumber int, maxCrash, claimedCrash float64) bool {
	recomputed := CrashPoint(seed, roundNumber, maxCrash)
	diff := recomputed - claimedCrash
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.01
}

// uniformSample maps (seed, roundNumber) onto a uniform value in [0, 1)
// by taking the first 32 bits of HMAC-SHA256(key=seed, message=roundNumber).
func uniformSample(seed string, roundNumber int) float64 {
	mac := hmac.New(sha256.New, []byte(seed))
	mac.Write([]byte(fmt.Sprintf("%d", roundNumber)))
	digest := mac.Sum(nil)

	u := new(big.Int).SetBytes(digest[:4]).Uint64() // first 32 bits
	return float64(u) / 4294967296.0                // 2^32
}
