// Package twiliowhatsapp handles the Twilio side of the WhatsApp webhook:
// inbound form parsing, X-Twilio-Signature validation and TwiML replies.
package twiliowhatsapp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader is the header Twilio signs webhook requests with.
const SignatureHeader = "X-Twilio-Signature"

// ContentType is the media type of TwiML replies.
const ContentType = "application/xml"

var ErrMissingFrom = errors.New("twiliowhatsapp: missing From field")

// Inbound is one message delivered to the webhook.
type Inbound struct {
	From       string
	Body       string
	MessageSid string
	NumMedia   int
}

// ParseInbound reads the form fields Twilio posts for a WhatsApp message.
func ParseInbound(r *http.Request) (Inbound, error) {
	if err := r.ParseForm(); err != nil {
		return Inbound{}, fmt.Errorf("failed to parse webhook form: %w", err)
	}
	in := Inbound{
		From:       strings.TrimSpace(r.PostForm.Get("From")),
		Body:       r.PostForm.Get("Body"),
		MessageSid: strings.TrimSpace(r.PostForm.Get("MessageSid")),
	}
	if n, err := strconv.Atoi(r.PostForm.Get("NumMedia")); err == nil {
		in.NumMedia = n
	}
	if in.From == "" {
		return in, ErrMissingFrom
	}
	return in, nil
}

// Opts holds configuration for a Validator.
type Opts struct {
	AuthToken  string
	WebhookURL string
}

// Option configures a Validator.
type Option func(*Opts)

// WithAuthToken sets the Twilio auth token. Without it validation is off.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithWebhookURL sets the public URL Twilio signs. Without it the URL is
// rebuilt from the request.
func WithWebhookURL(url string) Option {
	return func(o *Opts) { o.WebhookURL = url }
}

// Validator checks X-Twilio-Signature on webhook requests.
type Validator struct {
	validator  client.RequestValidator
	enabled    bool
	webhookURL string
}

func NewValidator(opts ...Option) *Validator {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	v := &Validator{
		enabled:    cfg.AuthToken != "",
		webhookURL: cfg.WebhookURL,
	}
	if v.enabled {
		v.validator = client.NewRequestValidator(cfg.AuthToken)
	}
	slog.Debug("twiliowhatsapp.NewValidator: validator configured", "enabled", v.enabled, "webhook_url_set", cfg.WebhookURL != "")
	return v
}

// Enabled reports whether signatures are checked.
func (v *Validator) Enabled() bool {
	return v != nil && v.enabled
}

// RequestURL is the URL the signature is computed over.
func (v *Validator) RequestURL(r *http.Request) string {
	if v != nil && v.webhookURL != "" {
		return v.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// ValidateRequest reports whether r carries a valid signature. It parses the
// form. A disabled validator accepts every request.
func (v *Validator) ValidateRequest(r *http.Request) bool {
	if !v.Enabled() {
		return true
	}
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		slog.Warn("Validator.ValidateRequest: missing signature header")
		return false
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Validator.ValidateRequest: failed to parse form", "error", err)
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	url := v.RequestURL(r)
	if !v.validator.Validate(url, params, signature) {
		slog.Warn("Validator.ValidateRequest: invalid signature", "url", url)
		return false
	}
	return true
}

// Reply renders text as a TwiML message. Empty text gives an empty response,
// which Twilio treats as "send nothing".
func Reply(text string) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	if text == "" {
		b.WriteString("<Response/>")
		return b.Bytes()
	}
	b.WriteString("<Response><Message>")
	// writes to a bytes.Buffer never fail
	_ = xml.EscapeText(&b, []byte(text))
	b.WriteString("</Message></Response>")
	return b.Bytes()
}

// WriteReply writes a TwiML reply with status 200.
func WriteReply(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(Reply(text)); err != nil {
		slog.Error("twiliowhatsapp.WriteReply: failed to write reply", "error", err)
	}
}
