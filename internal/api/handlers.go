package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/DealerPipe/internal/flow"
	"github.com/BTreeMap/DealerPipe/internal/metrics"
	"github.com/BTreeMap/DealerPipe/internal/models"
	"github.com/BTreeMap/DealerPipe/internal/sentry"
	"github.com/BTreeMap/DealerPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DealerPipe/internal/util"
)

// webhookHandler answers one Twilio WhatsApp delivery with a TwiML reply.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	requestID := util.RequestID(r.Header.Get(util.RequestIDHeader))
	w.Header().Set(util.RequestIDHeader, requestID)
	log := slog.With("request_id", requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		log.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !s.validator.ValidateRequest(r) {
		log.Warn("Server.webhookHandler: rejected request with invalid signature", "remote_addr", r.RemoteAddr)
		writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid Twilio signature"))
		return
	}

	in, err := twiliowhatsapp.ParseInbound(r)
	if err != nil {
		log.Warn("Server.webhookHandler: bad webhook payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	log = log.With("sender", in.From, "message_sid", in.MessageSid)

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	if !s.recordDelivery(ctx, log, in) {
		twiliowhatsapp.WriteReply(w, "")
		return
	}

	reply := s.answer(ctx, log, in)
	s.markProcessed(ctx, log, in)
	twiliowhatsapp.WriteReply(w, reply)
}

// recordDelivery reports whether the message should be handled. Deliveries
// without a MessageSid, or when the dedup store fails, are always handled.
func (s *Server) recordDelivery(ctx context.Context, log *slog.Logger, in twiliowhatsapp.Inbound) bool {
	if s.dedup == nil || in.MessageSid == "" {
		return true
	}
	fresh, err := s.dedup.RecordInbound(ctx, in.MessageSid, in.From)
	if err != nil {
		s.metrics.IncExternalFailure(metrics.DependencyStore)
		log.Warn("Server.recordDelivery: dedup check failed, handling message anyway", "error", err)
		return true
	}
	if !fresh {
		s.metrics.IncDuplicate()
		log.Info("Server.recordDelivery: duplicate delivery ignored")
		return false
	}
	return true
}

func (s *Server) markProcessed(ctx context.Context, log *slog.Logger, in twiliowhatsapp.Inbound) {
	if s.dedup == nil || in.MessageSid == "" {
		return
	}
	if err := s.dedup.MarkProcessed(ctx, in.MessageSid); err != nil {
		log.Warn("Server.markProcessed: failed to mark message processed", "error", err)
	}
}

// answer runs the dispatcher. Messages without text reset the sender.
func (s *Server) answer(ctx context.Context, log *slog.Logger, in twiliowhatsapp.Inbound) string {
	if strings.TrimSpace(in.Body) == "" {
		log.Info("Server.answer: message without text", "num_media", in.NumMedia)
		if err := s.dispatcher.Reset(ctx, in.From); err != nil {
			log.Error("Server.answer: failed to reset session", "error", err)
			sentry.CaptureException(ctx, err, map[string]string{"dependency": metrics.DependencyStore})
			return flow.ReplyApology
		}
		return flow.ReplyTextOnly
	}

	reply, err := s.dispatcher.Handle(ctx, in.From, in.Body)
	if err != nil {
		log.Error("Server.answer: failed to handle message", "error", err)
		sentry.CaptureException(ctx, err, map[string]string{"dependency": metrics.DependencyStore})
		return flow.ReplyApology
	}
	return reply
}

// healthHandler reports liveness and the loaded catalog size.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"catalog_size": s.catalogSize}))
}
