package flow

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	xmessage "golang.org/x/text/message"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

// Canned replies. All user-facing text lives here.
const (
	ReplyCancel = "👌 Listo, cancelé la conversación. Cuando quieras buscar otro auto, solo envía un mensaje."

	ReplyTopicGuard = "⚠️ Estamos en medio de tu simulación de financiamiento. " +
		"Si quieres consultar multas o placas, primero escribe *cancelar*."

	ReplyClarify = "❌ Disculpa, no entendí tu mensaje. ¿Podrías escribirlo nuevamente?\n" +
		"Puedes preguntarme por una marca, modelo o financiamiento."

	ReplyApology = "😔 Lo siento, tuve un problema para procesar tu mensaje. Por favor intenta de nuevo en unos minutos."

	ReplyTextOnly = "📎 Por ahora solo puedo leer mensajes de texto. ¿Me lo podrías escribir?"

	ReplyPlatePrompt = "🚗 Claro, puedo ayudarte con eso. Por favor escribe la *placa del vehículo* que deseas consultar, " +
		"como por ejemplo: ABC123 o NSZ314B."

	ReplyPlateInvalid = "❌ La placa que enviaste no parece válida para CDMX. " +
		"Asegúrate de usar un formato como ABC123 o ABC123D."

	ReplyPlateUnavailable = "😔 No pudimos iniciar la consulta de multas en este momento. " +
		"Por favor envía la placa de nuevo en unos minutos."

	ReplyDecisionPrompt = "💬 ¿Te gustaría que simulemos una opción de financiamiento para este auto?\n\n" +
		"Responde 1 para SÍ o 2 para NO."

	ReplyDecisionNo = "✅ ¡Perfecto! Si quieres ver otros autos o hacer otra búsqueda, solo envía un mensaje."

	ReplyMonthsPrompt = "⏳ ¿En cuántos meses te gustaría pagar? (elige entre 36, 48 o 60 meses)"

	ReplyInvalidOption = "❌ Opción inválida. Por favor selecciona un número de la lista."

	ReplyNoPriceBand = "❌ No encontré autos en ese rango de precio. Puedes intentar con otra cantidad."

	replyNotUnderstoodPrefix = "🤔 No entendí tu respuesta."

	listHeaderSearch    = "🚗 Autos que encontré para ti:\n\n"
	listHeaderRecommend = "🚗 Estos autos podrían interesarte:\n\n"
	listHeaderCheapest  = "🚗 Aquí tienes los autos más económicos disponibles:\n\n"
	listFooter          = "\n🔢 Responde el número del auto que te interesa para enviarte más detalles."
)

var printer = xmessage.NewPrinter(language.English)

// money renders an amount as "250,000".
func money(n int64) string {
	return printer.Sprintf("%d", n)
}

func notUnderstood(prompt string) string {
	return replyNotUnderstoodPrefix + "\n\n" + prompt
}

func plateQueued(plate string) string {
	return fmt.Sprintf("🔎 Estamos consultando las multas de la placa *%s*. Te avisaremos en breve.", plate)
}

func downpaymentPrompt(minimum int64) string {
	return fmt.Sprintf("💵 ¡Perfecto! ¿Cuánto podrías dar como enganche? (ejemplo: 50000)\n"+
		"El mínimo es el 10%% del valor del auto (al menos $%s MXN).", money(minimum))
}

func downpaymentTooHigh(dp, price int64) string {
	return fmt.Sprintf("❌ El enganche que propones ($%s MXN) supera el 70%% del valor del auto ($%s MXN).\n"+
		"Por favor ingresa un monto de enganche más bajo.", money(dp), money(price))
}

func downpaymentTooLow(dp, minimum int64) string {
	return fmt.Sprintf("❌ El enganche que propones ($%s MXN) es menor al 10%% del valor del auto.\n"+
		"El mínimo es $%s MXN.", money(dp), money(minimum))
}

func simulation(q models.Quote) string {
	return fmt.Sprintf("💵 Tu simulación:\n\n"+
		"Enganche: $%s MXN\n"+
		"Plazo: %d meses\n"+
		"Tasa estimada: %.0f%%\n"+
		"Mensualidad aproximada: $%s MXN\n\n"+
		"🚗 ¿Te gustaría ver otro auto o hacer otra búsqueda?",
		money(q.Downpayment), q.Months, q.Rate*100, money(q.MonthlyPayment))
}

func resultList(header string, vs []models.Vehicle) string {
	var b strings.Builder
	b.WriteString(header)
	for i, v := range vs {
		fmt.Fprintf(&b, "%d. %s %s (%d) - $%s MXN\n", i+1, v.Make, v.Model, v.Year, money(v.Price))
	}
	b.WriteString(listFooter)
	return b.String()
}

func yesNo(b *bool) string {
	switch {
	case b == nil:
		return "No disponible"
	case *b:
		return "Sí"
	default:
		return "No"
	}
}

func vehicleDetails(v models.Vehicle) string {
	var b strings.Builder
	b.WriteString("🚗 Detalles del auto seleccionado:\n\n")
	fmt.Fprintf(&b, "Marca: %s\n", v.Make)
	fmt.Fprintf(&b, "Modelo: %s\n", v.Model)
	fmt.Fprintf(&b, "Año: %d\n", v.Year)
	if v.Version != "" {
		fmt.Fprintf(&b, "Versión: %s\n", v.Version)
	}
	fmt.Fprintf(&b, "Precio: $%s MXN\n", money(v.Price))
	if v.KM != nil {
		fmt.Fprintf(&b, "Kilometraje: %s km\n", money(*v.KM))
	}
	fmt.Fprintf(&b, "Bluetooth: %s\n", yesNo(v.Bluetooth))
	fmt.Fprintf(&b, "CarPlay: %s\n", yesNo(v.CarPlay))
	if v.Length != nil && v.Width != nil && v.Height != nil {
		fmt.Fprintf(&b, "Dimensiones (largo x ancho x alto): %.0f x %.0f x %.0f mm\n", *v.Length, *v.Width, *v.Height)
	}
	b.WriteString("\n")
	b.WriteString(ReplyDecisionPrompt)
	return b.String()
}
