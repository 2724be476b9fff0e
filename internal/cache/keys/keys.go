package keys

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
)

const prefix = "shapes"

// Shapes builds the cache key of one shape response. The generation is
// part of the key, so bumping it orphans every older entry of the source.
func Shapes(source string, gen int64, bb model.BBox) string {
	src := sanitize(strings.TrimSpace(source))
	srid := sanitize(strings.ToUpper(strings.TrimSpace(bb.SRID)))
	box := BBoxText(bb)

	sum := xxhash.Sum64String(src + "|" + srid + "|" + box)
	return fmt.Sprintf("%s:%s:g%d:%s:%s:h=%016x", prefix, src, gen, srid, box, sum)
}

// Generation is the counter key bumped on invalidation.
func Generation(source string) string {
	return prefix + ":gen:" + sanitize(strings.TrimSpace(source))
}

// BBoxText renders the corners rounded to 1e-9 so float noise from
// clients does not split the cache.
func BBoxText(bb model.BBox) string {
	parts := [4]string{
		formatCoord(bb.X1), formatCoord(bb.Y1),
		formatCoord(bb.X2), formatCoord(bb.Y2),
	}
	return strings.Join(parts[:], ",")
}

// ETag is a strong validator for a response body.
func ETag(body []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
}

func formatCoord(v float64) string {
	r := math.Round(v*1e9) / 1e9
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
