package catalog

import (
	"sort"
	"strconv"
	"strings"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

const (
	// DefaultLimit caps every result set shown to a user.
	DefaultLimit = 5
	// PriceTolerance is the half-width of the price band around a target price.
	PriceTolerance int64 = 50000

	minTextToken = 3
	minYear      = 1990
	maxYear      = 2100
)

// Feature tokens recognized in queries. They match only rows whose flag is true.
const (
	FeatureBluetooth = "bluetooth"
	FeatureCarPlay   = "carplay"
)

// Query is a free-text catalog search over keywords already normalized by
// textnorm.Keywords.
type Query struct {
	Keywords    []string
	PriceTarget *int64
	Limit       int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

type tokenKind int

const (
	tokenText tokenKind = iota
	tokenYear
	tokenFeature
)

type token struct {
	kind tokenKind
	text string
	year int
}

// recognize keeps the tokens the catalog can match on: years, feature names
// and text tokens long enough to be meaningful (or exactly a make).
func (c *Catalog) recognize(keywords []string) []token {
	var out []token
	seen := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		switch {
		case kw == FeatureBluetooth || kw == FeatureCarPlay:
			out = append(out, token{kind: tokenFeature, text: kw})
		case len(kw) == 4 && isDigits(kw):
			y, _ := strconv.Atoi(kw)
			if y >= minYear && y <= maxYear {
				out = append(out, token{kind: tokenYear, year: y})
			}
		case isDigits(kw):
			// amounts are handled through the price target
		case len([]rune(kw)) >= minTextToken || c.isMake(kw):
			out = append(out, token{kind: tokenText, text: kw})
		}
	}
	return out
}

func (c *Catalog) isMake(tok string) bool {
	for _, ix := range c.index {
		if ix.make == tok {
			return true
		}
	}
	return false
}

func (c *Catalog) matches(i int, t token) bool {
	v := c.vehicles[i]
	ix := c.index[i]
	switch t.kind {
	case tokenYear:
		return v.Year == t.year
	case tokenFeature:
		if t.text == FeatureBluetooth {
			return v.Bluetooth != nil && *v.Bluetooth
		}
		return v.CarPlay != nil && *v.CarPlay
	default:
		return ix.make == t.text ||
			strings.Contains(ix.make, t.text) ||
			strings.Contains(ix.model, t.text) ||
			strings.Contains(ix.version, t.text)
	}
}

// Search runs a strict conjunctive pass (every recognized token matches the
// row) and, when that yields nothing, a permissive disjunctive pass (any token
// matches). The price band is applied to whichever pass produced rows. Output
// is de-duplicated, in catalog order, and capped at the query limit.
func (c *Catalog) Search(q Query) []models.Vehicle {
	tokens := c.recognize(q.Keywords)
	if len(tokens) == 0 {
		return nil
	}

	rows := c.pass(tokens, true)
	if len(rows) == 0 {
		rows = c.pass(tokens, false)
	}
	if q.PriceTarget != nil {
		rows = c.inBand(rows, *q.PriceTarget)
	}
	return c.collect(rows, q.limit())
}

func (c *Catalog) pass(tokens []token, strict bool) []int {
	var rows []int
	for i := range c.vehicles {
		hit := strict
		for _, t := range tokens {
			m := c.matches(i, t)
			if strict && !m {
				hit = false
				break
			}
			if !strict && m {
				hit = true
				break
			}
		}
		if hit {
			rows = append(rows, i)
		}
	}
	return rows
}

func (c *Catalog) inBand(rows []int, target int64) []int {
	var out []int
	for _, i := range rows {
		if withinBand(c.vehicles[i].Price, target) {
			out = append(out, i)
		}
	}
	return out
}

func (c *Catalog) collect(rows []int, limit int) []models.Vehicle {
	seen := make(map[string]bool, len(rows))
	out := make([]models.Vehicle, 0, min(len(rows), limit))
	for _, i := range rows {
		if len(out) >= limit {
			break
		}
		key := c.vehicles[i].Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c.vehicles[i].Clone())
	}
	return out
}

func withinBand(price, target int64) bool {
	return price >= target-PriceTolerance && price <= target+PriceTolerance
}

// FilterByPrice returns up to limit vehicles priced within PriceTolerance of target.
func (c *Catalog) FilterByPrice(target int64, limit int) []models.Vehicle {
	if limit <= 0 {
		limit = DefaultLimit
	}
	all := make([]int, len(c.vehicles))
	for i := range all {
		all[i] = i
	}
	return c.collect(c.inBand(all, target), limit)
}

// Cheapest returns the n lowest priced vehicles. Ties keep catalog order.
func (c *Catalog) Cheapest(n int) []models.Vehicle {
	if n <= 0 {
		n = DefaultLimit
	}
	rows := make([]int, len(c.vehicles))
	for i := range rows {
		rows[i] = i
	}
	sort.SliceStable(rows, func(a, b int) bool {
		return c.vehicles[rows[a]].Price < c.vehicles[rows[b]].Price
	})
	return c.collect(rows, n)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
