package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type fingerprintLine struct {
	ProductID string `json:"p"`
	SKU       string `json:"s"`
	Qty       int    `json:"q"`
}

// PayloadHash fingerprints a placement request. Line order does not matter.
// Lines are JSON-encoded, so no id or sku can smuggle in a field boundary.
func PayloadHash(lines []Line) string {
	fl := make([]fingerprintLine, 0, len(lines))
	for _, l := range lines {
		fl = append(fl, fingerprintLine{ProductID: l.ProductID, SKU: l.SKU, Qty: l.Qty})
	}
	sort.Slice(fl, func(i, j int) bool {
		a, b := fl[i], fl[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.SKU != b.SKU {
			return a.SKU < b.SKU
		}
		return a.Qty < b.Qty
	})
	// cannot fail: strings and ints only
	b, _ := json.Marshal(fl)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
