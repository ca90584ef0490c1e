// Package textnorm folds free-text WhatsApp messages into a canonical form for
// intent matching and catalog search.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopwords are dropped before keyword matching.
var stopwords = map[string]struct{}{
	"a": {}, "al": {}, "algo": {}, "algun": {}, "alguna": {}, "alguno": {}, "busco": {}, "buscando": {},
	"como": {}, "con": {}, "cual": {}, "cuales": {}, "de": {}, "del": {}, "donde": {}, "el": {},
	"ella": {}, "en": {}, "es": {}, "esta": {}, "este": {}, "hay": {}, "hola": {}, "la": {},
	"las": {}, "le": {}, "lo": {}, "los": {}, "me": {}, "mi": {}, "muestrame": {}, "para": {},
	"por": {}, "porfa": {}, "favor": {}, "que": {}, "quiero": {}, "se": {}, "ser": {}, "si": {},
	"sin": {}, "su": {}, "tal": {}, "te": {}, "tengo": {}, "tienen": {}, "tienes": {}, "tu": {},
	"un": {}, "una": {}, "uno": {}, "unos": {}, "y": {}, "ya": {}, "auto": {}, "autos": {},
	"carro": {}, "carros": {}, "coche": {}, "coches": {}, "ver": {}, "gustaria": {}, "podrias": {},
	"tenga": {}, "tengan": {}, "quisiera": {}, "necesito": {},
}

// synonyms maps colloquial spellings and brand abbreviations to the catalog's
// canonical vocabulary.
var synonyms = map[string]string{
	"vw":       "volkswagen",
	"volks":    "volkswagen",
	"vocho":    "volkswagen",
	"chevy":    "chevrolet",
	"chevro":   "chevrolet",
	"merce":    "mercedes",
	"mb":       "mercedes",
	"benz":     "mercedes",
	"toyo":     "toyota",
	"nissa":    "nissan",
	"bluetooh": "bluetooth",
	"blutooth": "bluetooth",
	"blutu":    "bluetooth",
	"bluetoth": "bluetooth",
	"carply":   "carplay",
	"applecar": "carplay",
}

// phrases are rewritten before tokenizing so multi-word features become one token.
var phrases = strings.NewReplacer(
	"apple car play", "carplay",
	"car play", "carplay",
	"android auto", "carplay",
	"blue tooth", "bluetooth",
)

func foldMarks() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Fold lowercases s and strips accents, keeping punctuation and spacing.
func Fold(s string) string {
	lowered := strings.ToLower(s)
	folded, _, err := transform.String(foldMarks(), lowered)
	if err != nil {
		return lowered
	}
	return folded
}

// Normalize lowercases s, strips accents, drops punctuation and symbols and
// collapses whitespace. Normalize(Normalize(x)) == Normalize(x).
func Normalize(s string) string {
	folded := Fold(s)
	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// Tokens returns the whitespace separated words of the normalized text.
func Tokens(s string) []string {
	n := Normalize(s)
	if n == "" {
		return nil
	}
	return strings.Fields(n)
}

// Keywords returns the normalized tokens without stopwords, with synonyms and
// brand abbreviations replaced by their canonical form.
func Keywords(s string) []string {
	n := phrases.Replace(Normalize(s))
	var out []string
	for _, tok := range strings.Fields(n) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if canon, ok := synonyms[tok]; ok {
			tok = canon
		}
		out = append(out, tok)
	}
	return out
}

// Canonical maps a single token through the synonym table.
func Canonical(tok string) string {
	tok = Normalize(tok)
	if canon, ok := synonyms[tok]; ok {
		return canon
	}
	return tok
}

// IsNumeric reports whether the trimmed message is a non-empty run of ASCII digits.
func IsNumeric(s string) bool {
	s = strings.TrimSpace(s)
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

// ContainsAny reports whether the normalized text contains any of the phrases.
// Phrases are expected in normalized form.
func ContainsAny(normalized string, needles ...string) bool {
	for _, p := range needles {
		if p != "" && strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

// LowSignal reports whether a keyword list is too thin to search on or to send
// to the language model: fewer than four characters in total, or every
// keyword shorter than three runes.
func LowSignal(keywords []string) bool {
	if len(strings.Join(keywords, " ")) < 4 {
		return true
	}
	for _, k := range keywords {
		if len([]rune(k)) >= 3 {
			return false
		}
	}
	return true
}
