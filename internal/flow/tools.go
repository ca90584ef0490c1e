package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/DealerPipe/internal/catalog"
	"github.com/BTreeMap/DealerPipe/internal/financing"
	"github.com/BTreeMap/DealerPipe/internal/genai"
	"github.com/BTreeMap/DealerPipe/internal/models"
)

// Tool names exposed to the model.
const (
	ToolSearchCatalog   = "search_catalog_car"
	ToolCarDetails      = "get_car_details_by_index"
	ToolSimulate        = "simulate_financing"
	ToolPlateLookup     = "process_plate_or_fine_intent"
	ToolUserPreferences = "get_user_preferences"
)

// Tool error codes returned in the tool payload.
const (
	ToolErrNoMatches          = "NO_MATCHES"
	ToolErrNoSearchResults    = "NO_SEARCH_RESULTS"
	ToolErrInvalidIndex       = "INVALID_INDEX"
	ToolErrMissingPrice       = "MISSING_PRICE"
	ToolErrMissingDownpayment = "MISSING_DOWNPAYMENT"
	ToolErrDownpaymentTooLow  = "DOWNPAYMENT_TOO_LOW"
	ToolErrDownpaymentTooHigh = "DOWNPAYMENT_TOO_HIGH"
	ToolErrMissingMonths      = "MISSING_MONTHS"
	ToolErrInvalidMonths      = "INVALID_MONTHS"
	ToolErrInvalidArguments   = "INVALID_ARGUMENTS"
	ToolErrUnknown            = "UNKNOWN_TOOL"
)

const toolArgumentsLogLimit = 1024

// toolResult is what a tool hands back: payload goes to the model, text is
// the user-facing rendering. direct results are sent to the user as they are.
type toolResult struct {
	payload string
	text    string
	direct  bool
}

func jsonPayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"ENCODING_FAILED"}`
	}
	return string(data)
}

func toolError(code, text string, direct bool, extra map[string]any) toolResult {
	body := map[string]any{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	return toolResult{payload: jsonPayload(body), text: text, direct: direct}
}

func formatToolArgumentsForLog(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > toolArgumentsLogLimit {
		return s[:toolArgumentsLogLimit] + "...(truncated)"
	}
	return s
}

func toolDefinitions() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolSearchCatalog,
				Description: openai.String("Busca autos disponibles en el catálogo aplicando uno o varios filtros: marca, modelo, versión, año, precio, kilometraje, dimensiones, bluetooth o carplay. Para rangos usa min_<campo> y max_<campo>."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"make":      map[string]any{"type": "string", "description": "Marca, por ejemplo Volkswagen"},
						"model":     map[string]any{"type": "string", "description": "Modelo, por ejemplo Jetta"},
						"version":   map[string]any{"type": "string", "description": "Versión exacta"},
						"min_price": map[string]any{"type": "number", "description": "Precio mínimo en MXN"},
						"max_price": map[string]any{"type": "number", "description": "Precio máximo en MXN"},
						"min_year":  map[string]any{"type": "integer", "description": "Año mínimo"},
						"max_year":  map[string]any{"type": "integer", "description": "Año máximo"},
						"max_km":    map[string]any{"type": "number", "description": "Kilometraje máximo"},
						"bluetooth": map[string]any{"type": "boolean", "description": "Requiere bluetooth"},
						"carplay":   map[string]any{"type": "boolean", "description": "Requiere CarPlay"},
					},
					"additionalProperties": true,
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolCarDetails,
				Description: openai.String("Devuelve detalles completos de un auto previamente listado, usando su número en la lista."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"index": map[string]any{"type": "integer", "description": "Número del auto mostrado en la lista (1 para el primero)"},
					},
					"required": []string{"index"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolSimulate,
				Description: openai.String("Simula un financiamiento. Si no se indica el precio, se usa el del auto seleccionado. El enganche debe estar entre 10% y 70% del precio y el plazo debe ser 36, 48 o 60 meses."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"price":       map[string]any{"type": "number", "description": "Precio del auto (MXN)"},
						"downpayment": map[string]any{"type": "number", "description": "Enganche (MXN)"},
						"months":      map[string]any{"type": "integer", "description": "Plazo en meses (36, 48, 60)"},
					},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolPlateLookup,
				Description: openai.String("Consulta las multas de una placa de auto de la CDMX."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"plate": map[string]any{"type": "string", "description": "Placa del auto. Ejemplo: ABC123 o ABC123D"},
					},
					"required": []string{"plate"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolUserPreferences,
				Description: openai.String("Pregunta al usuario sus preferencias generales antes de recomendar autos."),
				Parameters: shared.FunctionParameters{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
		},
	}
}

// execute runs one tool call against the session.
func (a *Assistant) execute(ctx context.Context, sess *models.Session, call genai.ToolCall) toolResult {
	slog.Info("Assistant.execute: executing tool call", "sender", sess.Sender, "tool", call.Function.Name, "call_id", call.ID)
	slog.Debug("Assistant.execute: tool arguments", "sender", sess.Sender, "arguments", formatToolArgumentsForLog(call.Function.Arguments))

	args := map[string]any{}
	if len(call.Function.Arguments) > 0 {
		if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
			slog.Warn("Assistant.execute: invalid tool arguments", "sender", sess.Sender, "tool", call.Function.Name, "error", err)
			return toolError(ToolErrInvalidArguments, "", false, nil)
		}
	}

	switch call.Function.Name {
	case ToolSearchCatalog:
		return a.searchCatalog(sess, args)
	case ToolCarDetails:
		return a.carDetails(sess, args)
	case ToolSimulate:
		return a.simulate(sess, args)
	case ToolPlateLookup:
		return a.plateLookup(ctx, sess, args)
	case ToolUserPreferences:
		return userPreferences()
	default:
		slog.Warn("Assistant.execute: unknown tool", "sender", sess.Sender, "tool", call.Function.Name)
		return toolError(ToolErrUnknown, "", false, map[string]any{"tool": call.Function.Name})
	}
}

func (a *Assistant) searchCatalog(sess *models.Session, args map[string]any) toolResult {
	found, total := a.caps.searcher.Catalog().Lookup(args, catalog.DefaultLimit)
	if len(found) == 0 {
		return toolError(ToolErrNoMatches, "", false, nil)
	}
	a.caps.showResults(sess, found)
	return toolResult{
		payload: jsonPayload(map[string]any{"matches": sess.Results, "total_found": total}),
		text:    resultList(listHeaderSearch, sess.Results),
	}
}

func (a *Assistant) carDetails(sess *models.Session, args map[string]any) toolResult {
	n, _ := numberArg(args["index"])
	count := len(sess.Results)
	v, err := a.caps.selectResult(sess, int(n))
	switch {
	case errors.Is(err, models.ErrNoResults):
		return toolError(ToolErrNoSearchResults, "❌ No tengo autos recientes para mostrar. Primero realiza una búsqueda.", true, nil)
	case err != nil:
		return toolError(ToolErrInvalidIndex,
			fmt.Sprintf("❌ El número que seleccionaste no es válido. Hay %d autos en la lista.", count),
			true, map[string]any{"available_range": count})
	}
	return toolResult{payload: jsonPayload(v), text: vehicleDetails(v)}
}

func (a *Assistant) simulate(sess *models.Session, args map[string]any) toolResult {
	var price int64
	if p, ok := numberArg(args["price"]); ok && p > 0 {
		price = int64(p)
	} else if p, ok := a.caps.selectedPrice(sess); ok {
		price = p
	}
	if price <= 0 {
		return toolError(ToolErrMissingPrice, "❌ No tengo el precio del auto. Por favor selecciona un auto antes de simular el financiamiento.", true, nil)
	}

	minimum := financing.MinDownpayment(price)
	maximum := financing.MaxDownpayment(price)
	limits := map[string]any{"min_downpayment": minimum, "max_downpayment": maximum}

	dpValue, ok := numberArg(args["downpayment"])
	if !ok {
		return toolError(ToolErrMissingDownpayment,
			fmt.Sprintf("¿Con cuánto quieres iniciar como enganche? El mínimo es el 10%% del valor del auto (al menos $%s MXN).", money(minimum)),
			true, limits)
	}
	dp := int64(dpValue)
	switch err := financing.CheckDownpayment(price, dp); {
	case errors.Is(err, financing.ErrDownpaymentTooLow):
		return toolError(ToolErrDownpaymentTooLow, fmt.Sprintf("❌ El enganche es muy bajo. El mínimo es $%s MXN.", money(minimum)), true, limits)
	case errors.Is(err, financing.ErrDownpaymentTooHigh):
		return toolError(ToolErrDownpaymentTooHigh, fmt.Sprintf("❌ El enganche es muy alto. El máximo es $%s MXN.", money(maximum)), true, limits)
	}

	monthsValue, ok := numberArg(args["months"])
	if !ok {
		return toolError(ToolErrMissingMonths, "¿A cuántos meses te gustaría financiarlo? Por ejemplo, puedes elegir 36, 48 o 60 meses.", true, nil)
	}
	months := int(monthsValue)
	if !financing.ValidTerm(months) {
		return toolError(ToolErrInvalidMonths, notUnderstood(ReplyMonthsPrompt), true, map[string]any{"terms": financing.Terms})
	}

	q := a.caps.finishFinancing(sess, price, dp, months)
	return toolResult{payload: jsonPayload(q), text: simulation(q)}
}

func (a *Assistant) plateLookup(ctx context.Context, sess *models.Session, args map[string]any) toolResult {
	plate, _ := args["plate"].(string)
	if plate == "" {
		plate, _ = args["placa"].(string)
	}
	reply, err := a.caps.lookupPlate(ctx, sess.Sender, plate)
	status := "queued"
	if err != nil {
		status = "failed"
		if errors.Is(err, models.ErrInvalidPlate) {
			status = "invalid"
		}
	}
	return toolResult{payload: jsonPayload(map[string]any{"status": status}), text: reply, direct: true}
}

func userPreferences() toolResult {
	const question = "¿Prefieres un auto amplio, económico, con tecnología como CarPlay o Bluetooth?"
	return toolResult{
		payload: jsonPayload(map[string]any{
			"question": question,
			"options":  []string{"económico", "amplio", "conectividad", "auto compacto", "familiar"},
		}),
		text: question,
	}
}

// maxNumberArg bounds numeric tool arguments to integers a float64 holds
// exactly, so conversions to int64 and int never wrap.
const maxNumberArg = 1 << 53

// numberArg reads a JSON number or a numeric string argument.
func numberArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || n < -maxNumberArg || n > maxNumberArg {
			return 0, false
		}
		return n, true
	case string:
		if amount, ok := parseAmount(n); ok && amount <= maxNumberArg {
			return float64(amount), true
		}
	}
	return 0, false
}
