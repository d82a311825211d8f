// Package idgen generates sortable, prefixed record identifiers of the form
// "{prefix}:{base36 unix millis}{6 random base36 chars}".
//
// The random suffix carries ~31 bits of entropy per millisecond, so two ids
// minted in the same millisecond collide with probability ~1/2^31 per pair.
// That is acceptable for per-request writers; it is not a cryptographic
// uniqueness guarantee.
package idgen

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	alphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffixLength = 6
)

var now = time.Now

// New returns a fresh identifier for prefix.
func New(prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(now().UnixMilli(), 36))
	b.WriteString(randomSuffix())
	return b.String()
}

func randomSuffix() string {
	buf := make([]byte, suffixLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic("idgen: read random: " + err.Error())
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf)
}
