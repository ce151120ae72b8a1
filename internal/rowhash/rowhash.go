// Package rowhash computes deterministic content fingerprints for warehouse
// rows. The fingerprint drives change detection during synchronization: two
// rows with the same hash are considered identical, so only rows whose hash
// changed get a new version.
package rowhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Size is the length of the hex-encoded hash, suitable for a CHAR(64) column.
const Size = sha256.Size * 2

// Row computes a lowercase hex SHA-256 over the row's values concatenated in
// column order.
//
// Canonicalization rules:
//   - Values are concatenated in the given order with no separator, matching
//     the stored fingerprints of existing warehouse rows.
//   - nil is encoded as the empty string so a NULL hashes like an empty cell.
//   - Common driver types are converted without fmt.Sprint for speed.
//   - time.Time values are encoded as "2006-01-02 15:04:05" in their own
//     location, the same form the staging layer stores them in.
//
// The output is always Size characters long.
func Row(values []any) string {
	var b strings.Builder
	b.Grow(len(values) * 16)
	for _, v := range values {
		appendCanonicalValue(&b, v)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Strings hashes a row of raw text cells, as parsed from an input file.
func Strings(values []string) string {
	var b strings.Builder
	b.Grow(len(values) * 16)
	for _, v := range values {
		b.WriteString(v)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func appendCanonicalValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		// NULL and empty string hash identically on purpose: the staging
		// layer does not distinguish them either.

	case string:
		b.WriteString(t)

	case []byte:
		b.Write(t)

	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}

	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))

	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))

	case time.Time:
		b.WriteString(t.Format("2006-01-02 15:04:05"))

	default:
		b.WriteString(fmt.Sprint(t))
	}
}
