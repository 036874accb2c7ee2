// Package cache implements the two-stage response cache: an exact store
// keyed by a normalized request hash and a semantic store searched by
// embedding similarity.
package cache

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openclaw/gateway/pkg/models"
)

// Normalize produces the canonical request form used for exact-match
// hashing. Whitespace is collapsed, roles lowercased, and context keys
// sorted, so trivially reformatted requests resolve to the same key. Tier is
// deliberately absent: lookup happens before routing, and the stored entry
// carries the tier that produced it.
func Normalize(req *models.ChatRequest) string {
	var b strings.Builder

	for _, m := range req.Messages {
		b.WriteString(strings.ToLower(strings.TrimSpace(m.Role)))
		b.WriteString(":")
		b.WriteString(strings.Join(strings.Fields(m.Content), " "))
		b.WriteString("|")
	}

	b.WriteString("model=")
	b.WriteString(req.Model)
	if req.Temperature != nil {
		b.WriteString("|temp=")
		b.WriteString(strconv.FormatFloat(*req.Temperature, 'f', 2, 64))
	}
	if req.MaxTokens != nil {
		b.WriteString("|max=")
		b.WriteString(strconv.Itoa(*req.MaxTokens))
	}

	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("|ctx:")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(req.Context[k])
		}
	}

	return b.String()
}

// Key hashes the normalized request.
func Key(req *models.ChatRequest) string {
	sum := sha256.Sum256([]byte(Normalize(req)))
	return fmt.Sprintf("%x", sum)
}
