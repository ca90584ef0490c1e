package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BTreeMap/DealerPipe/internal/catalog"
	"github.com/BTreeMap/DealerPipe/internal/flow"
	"github.com/BTreeMap/DealerPipe/internal/metrics"
	"github.com/BTreeMap/DealerPipe/internal/session"
	"github.com/BTreeMap/DealerPipe/internal/store"
	"github.com/BTreeMap/DealerPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DealerPipe/internal/util"
)

const (
	testSender  = "whatsapp:+5215512345678"
	testToken   = "twilio-test-token"
	webhookPath = "http://bot.example.com/webhook"
)

// mockDispatcher records calls and answers with a fixed reply.
type mockDispatcher struct {
	mu      sync.Mutex
	reply   string
	err     error
	handled []string
	resets  []string
}

func (m *mockDispatcher) Handle(ctx context.Context, sender, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled = append(m.handled, sender+"|"+body)
	return m.reply, m.err
}

func (m *mockDispatcher) Reset(ctx context.Context, sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, sender)
	return m.err
}

func sign(u string, form url.Values) string {
	parts := make([]string, 0, len(form))
	for k := range form {
		parts = append(parts, k+form.Get(k))
	}
	sort.Strings(parts)
	mac := hmac.New(sha1.New, []byte(testToken))
	mac.Write([]byte(u + strings.Join(parts, "")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h http.Handler, form url.Values, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signed {
		req.Header.Set(twiliowhatsapp.SignatureHeader, sign(webhookPath, form))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func message(body, sid string) url.Values {
	form := url.Values{"From": {testSender}, "Body": {body}, "NumMedia": {"0"}}
	if sid != "" {
		form.Set("MessageSid", sid)
	}
	return form
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	s := NewServer(&mockDispatcher{})
	req := httptest.NewRequest(http.MethodGet, webhookPath, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("expected Allow: POST, got %q", allow)
	}
	if rr.Header().Get(util.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
}

func TestWebhook_RepliesWithTwiML(t *testing.T) {
	d := &mockDispatcher{reply: "Precio < $300,000 & más"}
	s := NewServer(d)

	rr := postWebhook(t, s.Handler(), message("busco un jetta", "SM1"), false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != twiliowhatsapp.ContentType {
		t.Errorf("unexpected Content-Type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "<Response><Message>Precio &lt; $300,000 &amp; más</Message></Response>") {
		t.Errorf("unexpected body: %s", rr.Body.String())
	}
	if len(d.handled) != 1 || d.handled[0] != testSender+"|busco un jetta" {
		t.Errorf("unexpected dispatcher calls: %v", d.handled)
	}
}

func TestWebhook_EchoesRequestID(t *testing.T) {
	s := NewServer(&mockDispatcher{reply: "ok"})
	form := message("hola", "")
	req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(util.RequestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get(util.RequestIDHeader); got != "req-42" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}
}

func TestWebhook_Signature(t *testing.T) {
	d := &mockDispatcher{reply: "hola"}
	s := NewServer(d, WithValidator(twiliowhatsapp.NewValidator(twiliowhatsapp.WithAuthToken(testToken))))

	rr := postWebhook(t, s.Handler(), message("hola", "SM1"), false)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("unsigned request: expected 403, got %d", rr.Code)
	}
	if len(d.handled) != 0 {
		t.Errorf("unsigned request must not reach the dispatcher")
	}

	rr = postWebhook(t, s.Handler(), message("hola", "SM2"), true)
	if rr.Code != http.StatusOK {
		t.Fatalf("signed request: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if len(d.handled) != 1 {
		t.Errorf("expected one dispatch, got %d", len(d.handled))
	}
}

func TestWebhook_MissingFrom(t *testing.T) {
	s := NewServer(&mockDispatcher{})
	rr := postWebhook(t, s.Handler(), url.Values{"Body": {"hola"}}, false)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["status"] != "error" {
		t.Errorf("expected error status, got %v", resp["status"])
	}
}

func TestWebhook_EmptyBodyResetsSession(t *testing.T) {
	d := &mockDispatcher{}
	s := NewServer(d)
	form := message("   ", "SM1")
	form.Set("NumMedia", "1")

	rr := postWebhook(t, s.Handler(), form, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(d.resets) != 1 || len(d.handled) != 0 {
		t.Errorf("expected one reset and no dispatch, got resets=%v handled=%v", d.resets, d.handled)
	}
	if !strings.Contains(rr.Body.String(), "Por ahora solo puedo leer mensajes de texto") {
		t.Errorf("unexpected body: %s", rr.Body.String())
	}
}

func TestWebhook_DispatcherErrorApologizes(t *testing.T) {
	s := NewServer(&mockDispatcher{err: errors.New("redis down")})

	rr := postWebhook(t, s.Handler(), message("hola", ""), false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Lo siento, tuve un problema") {
		t.Errorf("expected apology, got %s", rr.Body.String())
	}
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	d := &mockDispatcher{reply: "hola"}
	reg := prometheus.NewRegistry()
	dedup := store.NewInMemoryStore()
	s := NewServer(d, WithDedup(dedup), WithMetrics(metrics.MustNewMetrics(reg)), WithGatherer(reg))

	first := postWebhook(t, s.Handler(), message("hola", "SM123"), false)
	second := postWebhook(t, s.Handler(), message("hola", "SM123"), false)

	if !strings.Contains(first.Body.String(), "<Message>hola</Message>") {
		t.Errorf("first delivery should be answered, got %s", first.Body.String())
	}
	if !strings.HasSuffix(second.Body.String(), "<Response/>") {
		t.Errorf("duplicate should get an empty response, got %s", second.Body.String())
	}
	if len(d.handled) != 1 {
		t.Errorf("expected one dispatch, got %d", len(d.handled))
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "dealerpipe_duplicate_deliveries_total 1") {
		t.Errorf("duplicate counter not exposed:\n%s", rr.Body.String())
	}
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(&mockDispatcher{}, WithCatalogSize(42))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got, want := strings.TrimSpace(rr.Body.String()), `{"status":"ok","result":{"catalog_size":42}}`; got != want {
		t.Errorf("health body = %s, want %s", got, want)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST /health, got %d", rr.Code)
	}
}

func TestWebhook_WithFlowDispatcher(t *testing.T) {
	c, err := catalog.Read(strings.NewReader("stock_id,km,price,make,model,year,version,bluetooth,largo,ancho,altura,car_play\n" +
		"1001,45000,250000,Volkswagen,Jetta,2018,Trendline,Sí,4644,1778,1482,No\n"))
	if err != nil {
		t.Fatalf("failed to read catalog: %v", err)
	}
	searcher, err := catalog.NewSearcher(c)
	if err != nil {
		t.Fatalf("failed to create searcher: %v", err)
	}
	d := flow.NewDispatcher(session.NewMemoryStore(), searcher)
	s := NewServer(d, WithCatalogSize(c.Len()))

	rr := postWebhook(t, s.Handler(), message("busco un jetta", "SM1"), false)
	if !strings.Contains(rr.Body.String(), "1. Volkswagen Jetta (2018) - $250,000 MXN") {
		t.Fatalf("unexpected search reply: %s", rr.Body.String())
	}
	rr = postWebhook(t, s.Handler(), message("cancelar", "SM2"), false)
	if !strings.Contains(rr.Body.String(), "cancelé la conversación") {
		t.Errorf("unexpected cancel reply: %s", rr.Body.String())
	}
}

func TestServerRun_StopsOnCancel(t *testing.T) {
	s := NewServer(&mockDispatcher{}, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}
