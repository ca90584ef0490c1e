package faq

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/DealerPipe/internal/textnorm"
)

func match(msg string) (Topic, string, bool) {
	return Match(textnorm.Keywords(msg), textnorm.Normalize(msg))
}

func TestMatchTopics(t *testing.T) {
	cases := map[string]Topic{
		"¿Qué beneficios tengo?":             TopicBenefits,
		"cuales son las ventajas":            TopicBenefits,
		"¿Dónde están sus sedes?":            TopicLocations,
		"hay sucursal en Puebla":             TopicLocations,
		"me interesa el financiamiento":      TopicPaymentPlans,
		"¿Puedo hacer pago a meses?":         TopicPaymentPlans,
		"quiero un crédito":                  TopicPaymentPlans,
		"¿Qué es Kavak?":                     TopicCompany,
		"beneficios de financiamiento kavak": TopicBenefits,
	}
	for msg, want := range cases {
		got, text, ok := match(msg)
		assert.True(t, ok, "message %q", msg)
		assert.Equal(t, want, got, "message %q", msg)
		assert.NotEmpty(t, text)
	}
}

func TestMatchCompanyNeedsShortMessage(t *testing.T) {
	_, _, ok := match("vi en kavak un jetta rojo muy bonito")
	assert.False(t, ok)
}

func TestMatchNone(t *testing.T) {
	_, _, ok := match("busco un jetta 2019")
	assert.False(t, ok)
	_, _, ok = match("")
	assert.False(t, ok)
}

func TestText(t *testing.T) {
	text, ok := Text(TopicLocations)
	assert.True(t, ok)
	assert.Contains(t, text, "Monterrey")

	text, ok = Text(TopicCompany)
	assert.True(t, ok)
	assert.Equal(t, CompanyText, text)

	_, ok = Text("unknown")
	assert.False(t, ok)
}
