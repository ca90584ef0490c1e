// Package plates detects and validates Mexico City vehicle plates in free text.
package plates

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/DealerPipe/internal/textnorm"
)

var (
	// candidatePattern accepts 2-4 digits; Valid applies the strict format.
	candidatePattern = regexp.MustCompile(`\b([A-Z]{3}\d{2,4}[A-Z]?)\b`)
	validPattern     = regexp.MustCompile(`^[A-Z]{3}\d{3}[A-Z]?$`)
)

// intentWords mark a message as a fine or plate lookup request.
var intentWords = []string{"multa", "infraccion", "placa", "tenencia", "fotocivica", "corralon"}

// Find returns the first plate-like token in msg, uppercased.
func Find(msg string) (string, bool) {
	m := candidatePattern.FindStringSubmatch(strings.ToUpper(msg))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Valid reports whether p matches the CDMX plate format: three letters, three
// digits and an optional trailing letter.
func Valid(p string) bool {
	return validPattern.MatchString(strings.ToUpper(strings.TrimSpace(p)))
}

// Canonical uppercases and trims a plate.
func Canonical(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}

// HasIntent reports whether the normalized message talks about fines or plates.
func HasIntent(normalized string) bool {
	return textnorm.ContainsAny(normalized, intentWords...)
}
