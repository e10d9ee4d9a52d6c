package receipts

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"sort"
)

// committeeSeed derives the deterministic sampling seed for a receipt.
func committeeSeed(receiptID, salt string) string {
	sum := sha256.Sum256([]byte(receiptID + "|" + salt))
	return hex.EncodeToString(sum[:])
}

// sampleCommittee draws m distinct DIDs from the roster using the hex seed.
// The roster is sorted first so the draw is reproducible against a roster
// snapshot regardless of the order the store returned it in. Excluded DIDs
// (the worker and the client) never sit on their own committee.
func sampleCommittee(roster []string, m int, seedHex string, exclude ...string) []string {
	excluded := make(map[string]struct{}, len(exclude))
	for _, did := range exclude {
		excluded[did] = struct{}{}
	}
	eligible := make([]string, 0, len(roster))
	for _, did := range roster {
		if _, skip := excluded[did]; !skip {
			eligible = append(eligible, did)
		}
	}
	sort.Strings(eligible)
	if m >= len(eligible) {
		return eligible
	}

	raw, err := hex.DecodeString(seedHex)
	if err != nil || len(raw) < 8 {
		raw = make([]byte, 8)
	}
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(raw[:8]))))
	rng.Shuffle(len(eligible), func(a, b int) {
		eligible[a], eligible[b] = eligible[b], eligible[a]
	})
	picked := append([]string(nil), eligible[:m]...)
	sort.Strings(picked)
	return picked
}
