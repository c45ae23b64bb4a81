// Package payment checks and debits a bill of materials against a consumer's own stock and
// an optional shared depot.
package payment

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInsufficient = errors.New("insufficient materials")

// Stock is an inventory that can be counted and debited.
type Stock interface {
	Count(item string) int
	// Take removes up to n of item and returns how many were removed.
	Take(item string, n int) int
	Add(item string, n int)
}

type Consumer struct {
	ID  string
	Own Stock
	// Depot is the shared stock, nil when there is none.
	Depot Stock
	// FreeBuild disables build cost enforcement for this consumer.
	FreeBuild bool
}

type Options struct {
	AllowSharedDepot    bool
	PreferOwnStockFirst bool
}

func sortedItems(bill map[string]int) []string {
	items := make([]string, 0, len(bill))
	for item, n := range bill {
		if item == "" || n <= 0 {
			continue
		}
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}

func (c Consumer) available(item string, allowShared bool) int {
	n := 0
	if c.Own != nil {
		n += c.Own.Count(item)
	}
	if allowShared && c.Depot != nil {
		n += c.Depot.Count(item)
	}
	return n
}

// Shortfall returns the first line the consumer cannot cover, or "" when every line is
// covered.
func Shortfall(c Consumer, bill map[string]int, allowShared bool) (item string, missing int) {
	if c.FreeBuild {
		return "", 0
	}
	for _, item := range sortedItems(bill) {
		if have := c.available(item, allowShared); have < bill[item] {
			return item, bill[item] - have
		}
	}
	return "", 0
}

func CanAfford(c Consumer, bill map[string]int, allowShared bool) bool {
	item, _ := Shortfall(c, bill, allowShared)
	return item == ""
}

// Receipt records what a payment drew from each source.
type Receipt struct {
	Own   map[string]int `json:"own,omitempty"`
	Depot map[string]int `json:"depot,omitempty"`
}

// Total is the amount drawn per item across both sources.
func (r Receipt) Total() map[string]int {
	out := make(map[string]int, len(r.Own)+len(r.Depot))
	for item, n := range r.Own {
		out[item] += n
	}
	for item, n := range r.Depot {
		out[item] += n
	}
	return out
}

// Reverse puts every draw back into the stock it came from.
func (r Receipt) Reverse(c Consumer) {
	if c.Own != nil {
		for _, item := range sortedItems(r.Own) {
			c.Own.Add(item, r.Own[item])
		}
	}
	if c.Depot != nil {
		for _, item := range sortedItems(r.Depot) {
			c.Depot.Add(item, r.Depot[item])
		}
	}
}

type source struct {
	stock Stock
	drawn map[string]int
}

// Pay debits every line in item order. It does not check first: a short line returns
// ErrInsufficient after earlier lines were taken, and the receipt lists those draws. Use
// PayIfAffordable for all-or-nothing.
func Pay(c Consumer, bill map[string]int, opts Options) (Receipt, error) {
	var r Receipt
	if c.FreeBuild {
		return r, nil
	}
	r.Own = map[string]int{}
	own := &source{stock: c.Own, drawn: r.Own}
	sources := []*source{own}
	if opts.AllowSharedDepot && c.Depot != nil {
		r.Depot = map[string]int{}
		depot := &source{stock: c.Depot, drawn: r.Depot}
		if opts.PreferOwnStockFirst {
			sources = []*source{own, depot}
		} else {
			sources = []*source{depot, own}
		}
	}
	for _, item := range sortedItems(bill) {
		need := bill[item]
		for _, s := range sources {
			if need == 0 {
				break
			}
			if s.stock == nil {
				continue
			}
			if n := s.stock.Take(item, need); n > 0 {
				s.drawn[item] += n
				need -= n
			}
		}
		if need > 0 {
			return r, fmt.Errorf("pay %s: %d short: %w", item, need, ErrInsufficient)
		}
	}
	return r, nil
}

// PayIfAffordable checks the whole bill before debiting anything.
func PayIfAffordable(c Consumer, bill map[string]int, opts Options) (Receipt, error) {
	if item, missing := Shortfall(c, bill, opts.AllowSharedDepot); item != "" {
		return Receipt{}, fmt.Errorf("%s: %d missing: %w", item, missing, ErrInsufficient)
	}
	return Pay(c, bill, opts)
}

// Refund returns a bill to the consumer's own stock. Dismantled supports pay out to
// whoever takes them down, wherever the materials originally came from.
func Refund(c Consumer, bill map[string]int) {
	if c.FreeBuild || c.Own == nil {
		return
	}
	for _, item := range sortedItems(bill) {
		c.Own.Add(item, bill[item])
	}
}

// Inventory is a plain item count map.
type Inventory map[string]int

func (inv Inventory) Count(item string) int { return inv[item] }

func (inv Inventory) Take(item string, n int) int {
	have := inv[item]
	if n > have {
		n = have
	}
	if n <= 0 {
		return 0
	}
	if have == n {
		delete(inv, item)
	} else {
		inv[item] = have - n
	}
	return n
}

func (inv Inventory) Add(item string, n int) {
	if n > 0 {
		inv[item] += n
	}
}
