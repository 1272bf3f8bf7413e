package orders

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestPayloadHash(t *testing.T) {
	a := []Line{{SKU: "A1", Qty: 1}, {ProductID: "p-2", Qty: 3}}
	b := []Line{{ProductID: "p-2", Qty: 3}, {SKU: "A1", Qty: 1}}

	assert.Equal(t, PayloadHash(a), PayloadHash(b), "line order is irrelevant")
	assert.Len(t, PayloadHash(a), 64)
	assert.NotEqual(t, PayloadHash(a), PayloadHash([]Line{{SKU: "A1", Qty: 2}, {ProductID: "p-2", Qty: 3}}))
	assert.NotEqual(t, PayloadHash([]Line{{SKU: "p-2", Qty: 1}}), PayloadHash([]Line{{ProductID: "p-2", Qty: 1}}))
}

func TestPayloadHashFieldBoundaries(t *testing.T) {
	smuggled := []Line{{ProductID: "p-1;sku=A1", Qty: 1}}
	split := []Line{{ProductID: "p-1", SKU: "A1", Qty: 1}}
	assert.NotEqual(t, PayloadHash(smuggled), PayloadHash(split))

	twoLines := []Line{{ProductID: "a", Qty: 1}, {ProductID: "b", Qty: 2}}
	oneLine := []Line{{ProductID: "a;sku=;qty=1\nid=b", Qty: 2}}
	assert.NotEqual(t, PayloadHash(twoLines), PayloadHash(oneLine))
}
