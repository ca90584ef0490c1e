// Package faq answers the handful of company questions that have fixed answers.
package faq

import (
	"strings"

	"github.com/BTreeMap/DealerPipe/internal/textnorm"
)

// Topic identifies a canned answer.
type Topic string

const (
	TopicBenefits     Topic = "benefits"
	TopicLocations    Topic = "locations"
	TopicPaymentPlans Topic = "payment_plans"
	TopicCompany      Topic = "company"
)

// companyMaxTokens bounds how long a message mentioning the company may be
// and still get the company blurb instead of going to search.
const companyMaxTokens = 4

const (
	CompanyText = "🚗 Kavak es la plataforma líder de compra y venta de autos seminuevos en México. " +
		"Ofrecemos pagos a meses, inspección de 240 puntos, garantía, y una app para gestionar todo tu auto. " +
		"Contamos con sedes en Ciudad de México, Monterrey, Guadalajara, Puebla, Querétaro, Cuernavaca y más."

	BenefitsText = "✔️ Al comprar con Kavak obtienes:\n" +
		"- Inspección de 240 puntos.\n" +
		"- Garantía de hasta un año.\n" +
		"- Planes de financiamiento flexibles.\n" +
		"- Posibilidad de prueba de 7 días o 300 km.\n" +
		"- Todo el proceso 100% en línea."

	PaymentPlansText = "💳 Nuestro plan de pagos te permite adquirir tu auto usado a meses.\n" +
		"Solo debes:\n" +
		"1️⃣ Solicitar tu plan en línea.\n" +
		"2️⃣ Validar tu información.\n" +
		"3️⃣ Realizar el primer pago.\n" +
		"4️⃣ Agendar la entrega de tu vehículo.\n" +
		"¡Todo desde casa!"

	LocationsText = "📍 Nuestras principales sedes son:\n" +
		"- CDMX: Patio Santa Fe, Plaza Fortuna, Sentura Tlalnepantla, El Rosario.\n" +
		"- Monterrey: Punto Valle, Nuevo Sur.\n" +
		"- Guadalajara: Midtown, Punto Sur.\n" +
		"- Puebla: Las Torres, Explanada.\n" +
		"- Querétaro: Puerta la Victoria.\n" +
		"- Cuernavaca: Forum Cuernavaca."
)

type entry struct {
	topic   Topic
	needles []string
	text    string
}

// entries are checked in order; the first hit wins.
var entries = []entry{
	{TopicBenefits, []string{"beneficio", "ventaja"}, BenefitsText},
	{TopicLocations, []string{"sede", "sucursal"}, LocationsText},
	{TopicPaymentPlans, []string{"financiamiento", "pago a meses", "credito"}, PaymentPlansText},
}

// Match returns the canned answer for a normalized message. keywords are the
// message's keywords after stopword removal; they decide whether a mention of
// the company is short enough to be a question about the company itself.
func Match(keywords []string, normalized string) (Topic, string, bool) {
	for _, e := range entries {
		if textnorm.ContainsAny(normalized, e.needles...) {
			return e.topic, e.text, true
		}
	}
	if strings.Contains(normalized, "kavak") && len(keywords) < companyMaxTokens {
		return TopicCompany, CompanyText, true
	}
	return "", "", false
}

// Text returns the canned answer for topic.
func Text(topic Topic) (string, bool) {
	if topic == TopicCompany {
		return CompanyText, true
	}
	for _, e := range entries {
		if e.topic == topic {
			return e.text, true
		}
	}
	return "", false
}
