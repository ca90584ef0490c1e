package catalog

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/DealerPipe/internal/textnorm"
)

// minPlainPrice is the smallest bare number read as a price; smaller numbers
// are list selections, terms or years.
const minPlainPrice = 10000

var colloquialPrices = []struct {
	phrase string
	value  int64
}{
	{"medio millon", 500000},
	{"un millon", 1000000},
	{"novecientos mil", 900000},
	{"ochocientos mil", 800000},
	{"setecientos mil", 700000},
	{"seiscientos mil", 600000},
	{"quinientos mil", 500000},
	{"cuatrocientos mil", 400000},
	{"trescientos mil", 300000},
	{"doscientos mil", 200000},
	{"cien mil", 100000},
}

var (
	suffixPricePattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(k|mil|millones|millon)\b`)
	plainPricePattern  = regexp.MustCompile(`\$?\s*(\d{1,3}(?:[.,]\d{3})+|\d{5,})`)
)

// ExtractPrice finds a target price in free text. It understands "150k",
// "150 mil", "1.5 millones", "$250,000", bare numbers of at least five digits
// and a handful of spoken amounts such as "medio millon".
func ExtractPrice(text string) (int64, bool) {
	s := textnorm.Fold(text)

	for _, c := range colloquialPrices {
		if strings.Contains(s, c.phrase) {
			return c.value, true
		}
	}

	if m := suffixPricePattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err == nil && n > 0 {
			mult := 1000.0
			if strings.HasPrefix(m[2], "millon") {
				mult = 1000000
			}
			return int64(n*mult + 0.5), true
		}
	}

	for _, m := range plainPricePattern.FindAllStringSubmatch(s, -1) {
		digits := strings.NewReplacer(",", "", ".", "").Replace(m[1])
		n, err := strconv.ParseInt(digits, 10, 64)
		if err == nil && n >= minPlainPrice {
			return n, true
		}
	}
	return 0, false
}
