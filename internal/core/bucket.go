package core

import (
	"hash/crc32"
	"strconv"
	"time"
)

// BucketSpace is the number of buckets identities are hashed into. A
// percentage p covers buckets [0, p*BucketSpace/100).
const BucketSpace = 10000

// Bucket hashes featureKey immediately followed by id with CRC-32 (IEEE) and
// reduces it into [0, BucketSpace). The hash and modulus are part of the
// stored-state contract: changing either reshuffles every rollout.
func Bucket(featureKey, id string) int {
	return int(crc32.ChecksumIEEE([]byte(featureKey+id)) % BucketSpace)
}

// PercentageMatch reports whether id falls inside percentage for featureKey.
// Zero never matches and 100 always matches without hashing.
func PercentageMatch(featureKey, id string, percentage int) bool {
	switch {
	case percentage <= 0:
		return false
	case percentage >= 100:
		return true
	}
	return Bucket(featureKey, id) < percentage*(BucketSpace/100)
}

// TimeMatch buckets on the millisecond slice of now instead of an identity,
// so the result is shared by every caller within the same slice.
func TimeMatch(featureKey string, now time.Time, percentage int) bool {
	return PercentageMatch(featureKey, strconv.FormatInt(now.UnixMilli(), 10), percentage)
}
