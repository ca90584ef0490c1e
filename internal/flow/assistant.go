package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/BTreeMap/DealerPipe/internal/genai"
	"github.com/BTreeMap/DealerPipe/internal/models"
	"github.com/BTreeMap/DealerPipe/internal/store"
)

const (
	// DefaultHistoryLimit is the number of stored turns replayed to the model.
	DefaultHistoryLimit = 20
	// DefaultLLMTimeout bounds one Ask, tool rounds included.
	DefaultLLMTimeout = 30 * time.Second
	maxToolRounds     = 4
)

// DefaultSystemPrompt is used when no context document is configured.
const DefaultSystemPrompt = `Eres el asistente de ventas de Kavak por WhatsApp. Respondes siempre en español, con mensajes breves y amables.
Kavak vende autos seminuevos certificados en México, con inspección de 240 puntos, garantía, periodo de prueba de 7 días o 300 km y planes de financiamiento a 36, 48 o 60 meses con una tasa estimada de 10%.
Usa search_catalog_car para buscar autos del catálogo y nunca inventes autos ni precios.
Usa get_car_details_by_index cuando el usuario elija un número de la lista.
Usa simulate_financing para simular pagos; el enganche debe estar entre 10% y 70% del precio.
Usa process_plate_or_fine_intent cuando el usuario quiera consultar multas de una placa.
Usa get_user_preferences si el usuario no sabe qué auto busca.
Si la pregunta no tiene relación con autos o con Kavak, indícalo con amabilidad.`

var errEmptyAssistantReply = errors.New("assistant returned no content")

// AssistantOpts holds configuration for an Assistant.
type AssistantOpts struct {
	SystemPrompt string
	HistoryLimit int
	Timeout      time.Duration
}

// AssistantOption configures an Assistant.
type AssistantOption func(*AssistantOpts)

// WithSystemPrompt replaces the built-in context document.
func WithSystemPrompt(prompt string) AssistantOption {
	return func(o *AssistantOpts) { o.SystemPrompt = prompt }
}

// WithHistoryLimit sets how many stored turns are replayed.
func WithHistoryLimit(n int) AssistantOption {
	return func(o *AssistantOpts) { o.HistoryLimit = n }
}

// WithLLMTimeout bounds one Ask.
func WithLLMTimeout(d time.Duration) AssistantOption {
	return func(o *AssistantOpts) { o.Timeout = d }
}

// LoadSystemPrompt reads the context document at path. An empty path yields
// DefaultSystemPrompt.
func LoadSystemPrompt(path string) (string, error) {
	if path == "" {
		return DefaultSystemPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt file %s: %w", path, err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		slog.Warn("LoadSystemPrompt: context document is empty, using built-in prompt", "path", path)
		return DefaultSystemPrompt, nil
	}
	return prompt, nil
}

// Assistant answers free text with the language model. Its tools run the
// same capabilities as the rule list, on the sender's session.
type Assistant struct {
	client  genai.ClientInterface
	history store.HistoryRepo
	caps    *capabilities
	opts    AssistantOpts
}

// NewAssistant creates an Assistant. history may be nil, in which case each
// question is answered without prior turns.
func NewAssistant(client genai.ClientInterface, history store.HistoryRepo, opts ...AssistantOption) *Assistant {
	cfg := AssistantOpts{
		SystemPrompt: DefaultSystemPrompt,
		HistoryLimit: DefaultHistoryLimit,
		Timeout:      DefaultLLMTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLLMTimeout
	}
	return &Assistant{client: client, history: history, opts: cfg}
}

func (a *Assistant) bind(c *capabilities) {
	a.caps = c
}

// Ask answers text for the session's sender. Tool calls may change sess.
func (a *Assistant) Ask(ctx context.Context, sess *models.Session, text string) (string, error) {
	if a.caps == nil {
		return "", errors.New("assistant is not bound to a dispatcher")
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	sender := sess.Sender
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(a.opts.SystemPrompt)}
	messages = append(messages, a.replay(ctx, sender)...)
	messages = append(messages, openai.UserMessage(text))

	reply, err := a.toolLoop(ctx, sess, messages)
	if err != nil {
		return "", err
	}
	a.remember(ctx, sender, store.RoleUser, text)
	a.remember(ctx, sender, store.RoleAssistant, reply)
	return reply, nil
}

// replay converts the stored history into chat messages.
func (a *Assistant) replay(ctx context.Context, sender string) []openai.ChatCompletionMessageParamUnion {
	if a.history == nil {
		return nil
	}
	turns, err := a.history.RecentMessages(ctx, sender, a.opts.HistoryLimit)
	if err != nil {
		slog.Warn("Assistant.replay: failed to load history, continuing without it", "sender", sender, "error", err)
		return nil
	}
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, m := range turns {
		if m.Role == store.RoleAssistant {
			out = append(out, openai.AssistantMessage(m.Content))
		} else {
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func (a *Assistant) remember(ctx context.Context, sender string, role store.Role, content string) {
	if a.history == nil || content == "" {
		return
	}
	err := a.history.AppendMessage(ctx, store.HistoryMessage{Sender: sender, Role: role, Content: content, CreatedAt: time.Now()})
	if err != nil {
		slog.Warn("Assistant.remember: failed to store turn", "sender", sender, "role", role, "error", err)
	}
}

// toolLoop calls the model until it produces user-facing text, a tool asks
// to speak to the user directly, or the round limit is reached.
func (a *Assistant) toolLoop(ctx context.Context, sess *models.Session, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	tools := toolDefinitions()
	var last toolResult

	for round := 1; round <= maxToolRounds; round++ {
		resp, err := a.client.GenerateWithTools(ctx, messages, tools)
		if err != nil {
			return "", fmt.Errorf("assistant round %d: %w", round, err)
		}
		slog.Debug("Assistant.toolLoop: response received", "sender", sess.Sender, "round", round, "tool_calls", len(resp.ToolCalls), "content_length", len(resp.Content))

		if !resp.HasToolCalls() {
			if content := strings.TrimSpace(resp.Content); content != "" {
				return content, nil
			}
			if last.text != "" {
				return last.text, nil
			}
			return "", errEmptyAssistantReply
		}

		messages = append(messages, assistantToolCallMessage(resp))
		var direct string
		for _, call := range resp.ToolCalls {
			res := a.execute(ctx, sess, call)
			messages = append(messages, openai.ToolMessage(res.payload, call.ID))
			last = res
			if res.direct && direct == "" {
				direct = res.text
			}
		}
		if direct != "" {
			return direct, nil
		}
		if content := strings.TrimSpace(resp.Content); content != "" {
			return content, nil
		}
	}

	slog.Warn("Assistant.toolLoop: hit maximum tool rounds", "sender", sess.Sender, "max_rounds", maxToolRounds)
	if last.text != "" {
		return last.text, nil
	}
	return ReplyClarify, nil
}

func assistantToolCallMessage(resp *genai.ToolCallResponse) openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	msg := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if resp.Content != "" {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(resp.Content)}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}
