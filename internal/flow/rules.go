package flow

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/DealerPipe/internal/catalog"
	"github.com/BTreeMap/DealerPipe/internal/faq"
	"github.com/BTreeMap/DealerPipe/internal/financing"
	"github.com/BTreeMap/DealerPipe/internal/metrics"
	"github.com/BTreeMap/DealerPipe/internal/models"
	"github.com/BTreeMap/DealerPipe/internal/plates"
	"github.com/BTreeMap/DealerPipe/internal/sentry"
	"github.com/BTreeMap/DealerPipe/internal/textnorm"
)

// Rule names, used in logs and the messages_total metric.
const (
	RuleCancel              = "cancel"
	RuleTopicSwitchGuard    = "topic_switch_guard"
	RulePlateIntent         = "plate_intent"
	RuleAwaitingPlate       = "awaiting_plate"
	RuleFinancingDecision   = "awaiting_financing_decision"
	RuleAwaitingDownpayment = "awaiting_downpayment"
	RuleAwaitingMonths      = "awaiting_months"
	RuleSelectResult        = "select_result"
	RuleOrphanNumber        = "orphan_number"
	RuleDefault             = "default"
	RuleTextOnly            = "text_only"
)

var (
	cancelWords    = []string{"cancelar", "salir"}
	recommendWords = []string{"recomienda", "sugiere", "busco", "quiero", "tienes", "hay", "algo", "opciones", "presupuesto"}
	cheapestWords  = []string{"barato", "economico", "economica", "accesible"}
)

// message is one inbound text seen through the views the rules match on.
type message struct {
	raw      string
	upper    string
	norm     string
	keywords []string
	numeric  bool
}

func newMessage(body string) message {
	raw := strings.TrimSpace(body)
	return message{
		raw:      raw,
		upper:    strings.ToUpper(raw),
		norm:     textnorm.Normalize(raw),
		keywords: textnorm.Keywords(raw),
		numeric:  textnorm.IsNumeric(raw),
	}
}

// lowSignal reports whether the text is too thin to act on.
func (m message) lowSignal() bool {
	return textnorm.LowSignal(m.keywords)
}

// turn is the working state for one message. The session is a copy; the
// dispatcher writes it back, or clears it, after the rule returns.
type turn struct {
	sender      string
	msg         message
	sess        models.Session
	loaded      models.Session
	entry       models.Phase
	clear       bool
	wipeHistory bool
}

// resetSession clears the session and the assistant history at the end of the turn.
func (t *turn) resetSession() {
	t.clear = true
	t.wipeHistory = true
}

type rule struct {
	name   string
	match  func(t *turn) bool
	handle func(ctx context.Context, t *turn) string
}

// rules returns the ordered rule list. The first match handles the message.
func (d *Dispatcher) rules() []rule {
	return []rule{
		{RuleCancel, matchCancel, d.handleCancel},
		{RuleTopicSwitchGuard, matchTopicSwitch, handleTopicSwitch},
		{RulePlateIntent, matchPlateIntent, d.handlePlateIntent},
		{RuleAwaitingPlate, inPhase(models.PhaseAwaitingPlate), d.handleAwaitingPlate},
		{RuleFinancingDecision, inPhase(models.PhaseAwaitingDecision), d.handleDecision},
		{RuleAwaitingDownpayment, inPhase(models.PhaseAwaitingDownpayment), d.handleDownpayment},
		{RuleAwaitingMonths, inPhase(models.PhaseAwaitingMonths), d.handleMonths},
		{RuleSelectResult, matchSelection, d.handleSelection},
		{RuleOrphanNumber, func(t *turn) bool { return t.msg.numeric }, d.handleOrphanNumber},
		{RuleDefault, func(*turn) bool { return true }, d.handleDefault},
	}
}

func inPhase(p models.Phase) func(t *turn) bool {
	return func(t *turn) bool { return t.entry == p }
}

func matchCancel(t *turn) bool {
	return textnorm.ContainsAny(t.msg.norm, cancelWords...)
}

func (d *Dispatcher) handleCancel(ctx context.Context, t *turn) string {
	t.resetSession()
	return ReplyCancel
}

// Fine lookups are refused mid-negotiation; the plate phase itself is the
// same flow and is not guarded.
func matchTopicSwitch(t *turn) bool {
	return t.entry.Financing() && plates.HasIntent(t.msg.norm)
}

func handleTopicSwitch(ctx context.Context, t *turn) string {
	return ReplyTopicGuard
}

func matchPlateIntent(t *turn) bool {
	return plates.HasIntent(t.msg.norm)
}

func (d *Dispatcher) handlePlateIntent(ctx context.Context, t *turn) string {
	plate, found := plates.Find(t.msg.upper)
	if !found {
		t.sess.Phase = models.PhaseAwaitingPlate
		return ReplyPlatePrompt
	}
	return d.submitPlate(ctx, t, plate)
}

func (d *Dispatcher) handleAwaitingPlate(ctx context.Context, t *turn) string {
	plate, found := plates.Find(t.msg.upper)
	if !found {
		return ReplyPlatePrompt
	}
	return d.submitPlate(ctx, t, plate)
}

// submitPlate publishes a found plate. An invalid plate leaves the session
// as it was; a queue failure leaves the sender waiting for a plate so a
// retry goes straight to the lookup.
func (d *Dispatcher) submitPlate(ctx context.Context, t *turn, plate string) string {
	reply, err := d.caps.lookupPlate(ctx, t.sender, plate)
	switch {
	case errors.Is(err, models.ErrInvalidPlate):
	case err != nil:
		t.sess.Phase = models.PhaseAwaitingPlate
	default:
		if t.sess.Phase == models.PhaseAwaitingPlate {
			t.sess.Phase = models.PhaseNone
		}
	}
	return reply
}

func (d *Dispatcher) handleDecision(ctx context.Context, t *turn) string {
	switch t.msg.raw {
	case "1":
		v, err := d.caps.startFinancing(&t.sess)
		if err != nil {
			slog.Warn("Dispatcher.handleDecision: no results to finance, clearing session", "sender", t.sender)
			t.clear = true
			return ReplyClarify
		}
		return downpaymentPrompt(financing.MinDownpayment(v.Price))
	case "2":
		t.sess.ResetFinancing()
		t.sess.Phase = models.PhaseNone
		return ReplyDecisionNo
	default:
		return notUnderstood(ReplyDecisionPrompt)
	}
}

// parseAmount reads a typed amount such as "$50,000", "50 000", "1.200.000"
// or "50000.00". Dots grouping thousands are dropped, a one or two digit
// decimal part is treated as cents and discarded, anything else is rejected.
func parseAmount(raw string) (int64, bool) {
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(raw)
	if whole, frac, found := strings.Cut(cleaned, "."); found {
		switch {
		case dotGrouped(cleaned):
			cleaned = strings.ReplaceAll(cleaned, ".", "")
		case len(frac) <= 2 && textnorm.IsNumeric(frac):
			cleaned = whole
		default:
			return 0, false
		}
	}
	if !textnorm.IsNumeric(cleaned) {
		return 0, false
	}
	n, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// dotGrouped reports whether s looks like "1.200.000": a leading group of one
// to three digits followed by groups of exactly three.
func dotGrouped(s string) bool {
	groups := strings.Split(s, ".")
	if len(groups) < 2 || len(groups[0]) == 0 || len(groups[0]) > 3 {
		return false
	}
	for i, g := range groups {
		if !textnorm.IsNumeric(g) || (i > 0 && len(g) != 3) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) handleDownpayment(ctx context.Context, t *turn) string {
	car := t.sess.SelectedCar
	if car == nil {
		slog.Warn("Dispatcher.handleDownpayment: no selected car, clearing session", "sender", t.sender)
		t.clear = true
		return ReplyClarify
	}
	minimum := financing.MinDownpayment(car.Price)
	dp, ok := parseAmount(t.msg.raw)
	if !ok {
		return notUnderstood(downpaymentPrompt(minimum))
	}
	switch err := financing.CheckDownpayment(car.Price, dp); {
	case errors.Is(err, financing.ErrDownpaymentTooHigh):
		return downpaymentTooHigh(dp, car.Price)
	case errors.Is(err, financing.ErrDownpaymentTooLow):
		return downpaymentTooLow(dp, minimum)
	}
	t.sess.Downpayment = &dp
	t.sess.Phase = models.PhaseAwaitingMonths
	return ReplyMonthsPrompt
}

func (d *Dispatcher) handleMonths(ctx context.Context, t *turn) string {
	months, err := strconv.Atoi(t.msg.raw)
	if !t.msg.numeric || err != nil || !financing.ValidTerm(months) {
		return notUnderstood(ReplyMonthsPrompt)
	}
	if t.sess.SelectedCar == nil || t.sess.Downpayment == nil {
		slog.Warn("Dispatcher.handleMonths: negotiation context missing, clearing session", "sender", t.sender)
		t.clear = true
		return ReplyClarify
	}
	q := d.caps.finishFinancing(&t.sess, t.sess.SelectedCar.Price, *t.sess.Downpayment, months)
	t.clear = true
	slog.Info("Dispatcher.handleMonths: simulation completed", "sender", t.sender, "months", q.Months, "monthly_payment", q.MonthlyPayment)
	return simulation(q)
}

func matchSelection(t *turn) bool {
	return t.msg.numeric && len(t.sess.Results) > 0
}

func (d *Dispatcher) handleSelection(ctx context.Context, t *turn) string {
	index, err := strconv.Atoi(t.msg.raw)
	if err != nil {
		return ReplyInvalidOption
	}
	v, err := d.caps.selectResult(&t.sess, index)
	if err != nil {
		return ReplyInvalidOption
	}
	return vehicleDetails(v)
}

func (d *Dispatcher) handleOrphanNumber(ctx context.Context, t *turn) string {
	t.resetSession()
	return ReplyClarify
}

// handleDefault tries, in order: FAQ, recommendation by price, cheapest
// listing, catalog search, the low-signal clarification and the assistant.
func (d *Dispatcher) handleDefault(ctx context.Context, t *turn) string {
	if topic, text, ok := faq.Match(t.msg.keywords, t.msg.norm); ok {
		slog.Debug("Dispatcher.handleDefault: faq answer", "sender", t.sender, "topic", topic)
		return text
	}

	price, hasPrice := catalog.ExtractPrice(t.msg.raw)
	if hasPrice && textnorm.ContainsAny(t.msg.norm, recommendWords...) {
		found := d.caps.searcher.Catalog().FilterByPrice(price, catalog.DefaultLimit)
		if len(found) == 0 {
			return ReplyNoPriceBand
		}
		d.caps.showResults(&t.sess, found)
		return resultList(listHeaderRecommend, t.sess.Results)
	}

	if textnorm.ContainsAny(t.msg.norm, cheapestWords...) {
		if found := d.caps.searcher.Catalog().Cheapest(catalog.DefaultLimit); len(found) > 0 {
			d.caps.showResults(&t.sess, found)
			return resultList(listHeaderCheapest, t.sess.Results)
		}
	}

	q := catalog.Query{Keywords: t.msg.keywords, Limit: catalog.DefaultLimit}
	if hasPrice {
		q.PriceTarget = &price
	}
	if found := d.caps.searcher.Search(q); len(found) > 0 {
		d.caps.showResults(&t.sess, found)
		return resultList(listHeaderSearch, t.sess.Results)
	}

	if t.msg.lowSignal() {
		return ReplyClarify
	}

	if d.assistant == nil {
		slog.Warn("Dispatcher.handleDefault: no assistant configured", "sender", t.sender)
		return ReplyApology
	}
	reply, err := d.assistant.Ask(ctx, &t.sess, t.msg.norm)
	if err != nil {
		d.metrics.IncExternalFailure(metrics.DependencyLLM)
		sentry.CaptureException(ctx, err, map[string]string{"dependency": metrics.DependencyLLM})
		slog.Error("Dispatcher.handleDefault: assistant failed", "sender", t.sender, "error", err)
		return ReplyApology
	}
	return reply
}

// guardFires decides whether a default-path outcome must be replaced by the
// clarification. It applies only when the sender entered the message in a
// tracked phase and the outcome left no result set or the text was too thin.
func guardFires(t *turn) bool {
	if t.entry.Idle() {
		return false
	}
	if len(t.sess.Results) == 0 {
		return true
	}
	if t.msg.lowSignal() {
		return true
	}
	return !t.msg.numeric && utf8.RuneCountInString(t.msg.raw) <= 2
}
