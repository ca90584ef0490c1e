package catalog

import (
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/DealerPipe/internal/models"
	"github.com/BTreeMap/DealerPipe/internal/textnorm"
)

// field aliases accepted from the language model's tool arguments
var (
	textFields = map[string]string{
		"make": "make", "marca": "make", "brand": "make",
		"model": "model", "modelo": "model",
		"version": "version",
	}
	numericFields = map[string]string{
		"price": "price", "precio": "price",
		"year": "year", "ano": "year",
		"km": "km", "kilometraje": "km",
		"largo": "largo", "length": "largo",
		"ancho": "ancho", "width": "ancho",
		"altura": "altura", "height": "altura",
	}
	flagFields = map[string]string{
		"bluetooth": "bluetooth",
		"carplay":   "carplay", "car_play": "carplay",
	}
)

type bounds struct {
	min, max float64
}

func openBounds() bounds {
	return bounds{min: math.Inf(-1), max: math.Inf(1)}
}

func (b bounds) contains(v float64) bool {
	return v >= b.min && v <= b.max
}

type lookupFilter struct {
	text    map[string]string
	numeric map[string]bounds
	flags   map[string]bool
}

// parseFilters understands "price": 250000, "min_price"/"price_min",
// "max_price"/"price_max" and operator maps such as {"price": {"$lte": 300000}}.
// Unknown keys are ignored.
func parseFilters(filters map[string]any) lookupFilter {
	f := lookupFilter{
		text:    map[string]string{},
		numeric: map[string]bounds{},
		flags:   map[string]bool{},
	}
	setMin := func(field string, v float64) {
		b, ok := f.numeric[field]
		if !ok {
			b = openBounds()
		}
		b.min = math.Max(b.min, v)
		f.numeric[field] = b
	}
	setMax := func(field string, v float64) {
		b, ok := f.numeric[field]
		if !ok {
			b = openBounds()
		}
		b.max = math.Min(b.max, v)
		f.numeric[field] = b
	}

	for rawKey, val := range filters {
		key := textnorm.Fold(strings.TrimSpace(rawKey))

		if field, ok := textFields[key]; ok {
			if s, ok := val.(string); ok && strings.TrimSpace(s) != "" {
				f.text[field] = textnorm.Normalize(s)
			}
			continue
		}
		if field, ok := flagFields[key]; ok {
			if b, ok := asBool(val); ok {
				f.flags[field] = b
			}
			continue
		}

		prefix, base := "", key
		switch {
		case strings.HasPrefix(key, "min_"):
			prefix, base = "min", strings.TrimPrefix(key, "min_")
		case strings.HasPrefix(key, "max_"):
			prefix, base = "max", strings.TrimPrefix(key, "max_")
		case strings.HasSuffix(key, "_min"):
			prefix, base = "min", strings.TrimSuffix(key, "_min")
		case strings.HasSuffix(key, "_max"):
			prefix, base = "max", strings.TrimSuffix(key, "_max")
		}
		field, ok := numericFields[base]
		if !ok {
			continue
		}

		if ops, ok := val.(map[string]any); ok {
			for op, opVal := range ops {
				n, ok := asNumber(opVal)
				if !ok {
					continue
				}
				switch strings.TrimPrefix(strings.ToLower(op), "$") {
				case "gte", "gt", "min":
					setMin(field, n)
				case "lte", "lt", "max":
					setMax(field, n)
				case "eq":
					setMin(field, n)
					setMax(field, n)
				}
			}
			continue
		}

		n, ok := asNumber(val)
		if !ok {
			continue
		}
		switch prefix {
		case "min":
			setMin(field, n)
		case "max":
			setMax(field, n)
		default:
			if field == "price" {
				setMin(field, n-float64(PriceTolerance))
				setMax(field, n+float64(PriceTolerance))
			} else {
				setMin(field, n)
				setMax(field, n)
			}
		}
	}
	return f
}

func (c *Catalog) lookupMatch(i int, f lookupFilter) bool {
	v := c.vehicles[i]
	ix := c.index[i]
	for field, want := range f.text {
		var got string
		switch field {
		case "make":
			got = ix.make
		case "model":
			got = ix.model
		case "version":
			got = ix.version
		}
		if got != want {
			return false
		}
	}
	for field, b := range f.numeric {
		val, known := numericValue(v, field)
		if !known || !b.contains(val) {
			return false
		}
	}
	for field, want := range f.flags {
		flag := v.Bluetooth
		if field == "carplay" {
			flag = v.CarPlay
		}
		if flag == nil || *flag != want {
			return false
		}
	}
	return true
}

func numericValue(v models.Vehicle, field string) (float64, bool) {
	switch field {
	case "price":
		return float64(v.Price), true
	case "year":
		return float64(v.Year), true
	case "km":
		if v.KM != nil {
			return float64(*v.KM), true
		}
	case "largo":
		if v.Length != nil {
			return *v.Length, true
		}
	case "ancho":
		if v.Width != nil {
			return *v.Width, true
		}
	case "altura":
		if v.Height != nil {
			return *v.Height, true
		}
	}
	return 0, false
}

// Lookup applies structured filters from a tool call. Text fields match
// exactly after normalization. When nothing matches and a model was given, it
// falls back to any row whose make, model or version contains one of the
// model's tokens. It returns at most limit vehicles and the total number of
// matches.
func (c *Catalog) Lookup(filters map[string]any, limit int) ([]models.Vehicle, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	f := parseFilters(filters)

	var rows []int
	for i := range c.vehicles {
		if c.lookupMatch(i, f) {
			rows = append(rows, i)
		}
	}

	if len(rows) == 0 && f.text["model"] != "" {
		tokens := strings.Fields(f.text["model"])
		for i, ix := range c.index {
			for _, t := range tokens {
				if strings.Contains(ix.make, t) || strings.Contains(ix.model, t) || strings.Contains(ix.version, t) {
					rows = append(rows, i)
					break
				}
			}
		}
	}
	return c.collect(rows, limit), len(rows)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if p, ok := ExtractPrice(n); ok {
			return float64(p), true
		}
		f, err := strconv.ParseFloat(strings.NewReplacer("$", "", ",", "", " ", "").Replace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := parseFlag(b)
		if err != nil || p == nil {
			return false, false
		}
		return *p, true
	}
	return false, false
}
