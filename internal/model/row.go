package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Row is an untyped record as carried by change events and remote queries.
// A key that is present with a nil value is an explicit null.
type Row map[string]any

// cacheOwnedKeys never come from a parent row payload; the cache owns items.
var cacheOwnedKeys = map[string]bool{
	"items":                  true,
	"purchase_request_items": true,
}

// preserveOnNull lists money fields whose explicit null keeps the held value.
// Truncated payloads otherwise roll amounts back to zero.
var preserveOnNull = map[string]bool{
	"amount_value":     true,
	"unit_price_value": true,
}

// derivedKeys are recomputed after every merge, payload values are ignored.
var derivedKeys = map[string]bool{
	"total_amount":    true,
	"delivery_status": true,
}

// ID reads the integer "id" key.
func (r Row) ID() (int64, bool) { return r.Int("id") }

// Int reads an integer-valued key. JSON numbers, integers and numeric strings
// are accepted; anything else reports false.
func (r Row) Int(key string) (int64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ToRow converts a typed record to a Row through its JSON form. Numbers are
// kept as json.Number so 64-bit ids survive.
func ToRow(v any) (Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	return ParseRow(b)
}

// ParseRow decodes a JSON object into a Row, keeping numbers as json.Number.
func ParseRow(b []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var r Row
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("parse row: %w", err)
	}
	return r, nil
}

// FromRow decodes a Row into a typed record.
func FromRow[T any](r Row) (T, error) {
	var out T
	b, err := json.Marshal(r)
	if err != nil {
		return out, fmt.Errorf("marshal row: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode row: %w", err)
	}
	return out, nil
}

// DecodePurchase builds a Purchase from a parent row. Any embedded item keys
// are dropped; items are attached by the caller.
func DecodePurchase(r Row) (Purchase, error) {
	clean := r.Clone()
	for k := range cacheOwnedKeys {
		delete(clean, k)
	}
	p, err := FromRow[Purchase](clean)
	if err != nil {
		return Purchase{}, err
	}
	p.Items = nil
	return p, nil
}

// DecodeItem builds a PurchaseItem from an item row and derives its state.
func DecodeItem(r Row) (PurchaseItem, error) {
	it, err := FromRow[PurchaseItem](r)
	if err != nil {
		return PurchaseItem{}, err
	}
	it.Derive()
	return it, nil
}

// MergePurchase overlays patch onto p. Absent keys keep their value, explicit
// nulls clear (except the money fields in preserveOnNull), the item list is
// always kept and the total is recomputed.
func MergePurchase(p Purchase, patch Row) (Purchase, error) {
	base, err := ToRow(p)
	if err != nil {
		return p, err
	}
	delete(base, "items")
	overlay(base, patch)
	out, err := FromRow[Purchase](base)
	if err != nil {
		return p, err
	}
	out.Items = p.Clone().Items
	out.RecomputeTotal()
	return out, nil
}

// MergeItem overlays patch onto it with the same rules as MergePurchase.
// The item id and parent id are never changed by a patch.
func MergeItem(it PurchaseItem, patch Row) (PurchaseItem, error) {
	base, err := ToRow(it)
	if err != nil {
		return it, err
	}
	overlay(base, patch)
	out, err := FromRow[PurchaseItem](base)
	if err != nil {
		return it, err
	}
	out.ID = it.ID
	out.PurchaseRequestID = it.PurchaseRequestID
	out.Derive()
	return out, nil
}

func overlay(base, patch Row) {
	for k, v := range patch {
		if cacheOwnedKeys[k] || derivedKeys[k] {
			continue
		}
		if v == nil && preserveOnNull[k] {
			continue
		}
		base[k] = v
	}
}
