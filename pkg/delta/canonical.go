package delta

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/spaolacci/murmur3"
	"golang.org/x/crypto/sha3"

	"github.com/heitortanoue/sdeit/pkg/peer"
)

// Digest algorithms accepted for authority signatures
const (
	DigestSHA256    = "sha256"
	DigestSHA3_256  = "sha3-256"
	DigestMurmur128 = "murmur3-128"
)

// LegacyMurmurSeed is the seed deployed authorities hash with
const LegacyMurmurSeed = 123456

// CanonicalBytes encodes a message for signing. All integers are little endian:
// epoch seconds (UTC), allowance bits, then for each update sorted by peer id
// the low and high 64 bits of the id followed by the risk bits.
func CanonicalBytes(m Message) []byte {
	ids := peer.Sorted(m.RiskUpdates)
	buf := make([]byte, 0, 16+24*len(ids))

	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Timestamp.UTC().Unix()))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.DailyTLOTIncreaseAllowance))

	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint64(buf, binary.BigEndian.Uint64(id[8:]))
		buf = binary.LittleEndian.AppendUint64(buf, binary.BigEndian.Uint64(id[:8]))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.RiskUpdates[id]))
	}
	return buf
}

// SignedTime is the part of ts covered by a signature: whole seconds.
// Sub-second digits are not authenticated and must not order deltas.
func SignedTime(ts time.Time) time.Time {
	return ts.Truncate(time.Second)
}

// Digest hashes the canonical encoding with the named algorithm
func Digest(alg string, m Message) ([]byte, error) {
	return digestFor(alg, CanonicalBytes(m))
}

func digestFor(alg string, message []byte) ([]byte, error) {
	switch alg {
	case DigestSHA256, "":
		s := sha256.Sum256(message)
		return s[:], nil
	case DigestSHA3_256:
		s := sha3.Sum256(message)
		return s[:], nil
	case DigestMurmur128:
		h1, h2 := murmur3.Sum128WithSeed(message, LegacyMurmurSeed)
		out := make([]byte, 16)
		binary.LittleEndian.PutUint64(out[:8], h1)
		binary.LittleEndian.PutUint64(out[8:], h2)
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// SupportedDigest reports whether alg can be used by a verifier
func SupportedDigest(alg string) bool {
	_, err := digestFor(alg, nil)
	return err == nil
}
