// Package api exposes the HTTP surface of AskPipe.
//
// It receives WhatsApp webhooks from Meta and Twilio, decodes them into inbound
// messages, drops redeliveries and hands each message to the dialogue on its own
// goroutine. Health and delivery statistics are served as JSON.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	twilioClient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/AskPipe/internal/models"
	"github.com/BTreeMap/AskPipe/internal/store"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultDeliveryTimeout bounds the processing of one delivery.
	DefaultDeliveryTimeout = 2 * time.Minute
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	maxWebhookBody = 1 << 20
	// dedupLookupTimeout bounds the synchronous redelivery lookup in Dispatch.
	dedupLookupTimeout = 2 * time.Second
)

// Dispatcher processes one inbound message.
type Dispatcher interface {
	HandleMessage(ctx context.Context, msg models.InboundMessage) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	VerifyToken     string        // Meta webhook verification token
	TwilioAuthToken string        // enables X-Twilio-Signature validation
	PublicURL       string        // externally visible base URL, for Twilio signatures
	DeliveryTimeout time.Duration // per-delivery processing bound
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the Meta webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithTwilioSignature validates Twilio webhook signatures against authToken.
// publicURL is the scheme and host Twilio posts to.
func WithTwilioSignature(authToken, publicURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.PublicURL = publicURL
	}
}

// WithDeliveryTimeout overrides DefaultDeliveryTimeout.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.DeliveryTimeout = d
		}
	}
}

// Stats counts webhook deliveries.
type Stats struct {
	Received   int64 `json:"received"`
	Ignored    int64 `json:"ignored"`
	Dropped    int64 `json:"dropped"`
	Duplicates int64 `json:"duplicates"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}

type counters struct {
	received, ignored, dropped, duplicates, processed, failed atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:   c.received.Load(),
		Ignored:    c.ignored.Load(),
		Dropped:    c.dropped.Load(),
		Duplicates: c.duplicates.Load(),
		Processed:  c.processed.Load(),
		Failed:     c.failed.Load(),
	}
}

// Server is the AskPipe HTTP server.
type Server struct {
	dispatcher      Dispatcher
	dedup           store.DedupRepo
	verifyToken     string
	twilioValidator *twilioClient.RequestValidator
	publicURL       string
	deliveryTimeout time.Duration

	router     *mux.Router
	httpServer *http.Server
	inflight   sync.WaitGroup
	stats      counters
}

// NewServer creates a Server. A nil dedup disables redelivery detection.
func NewServer(dispatcher Dispatcher, dedup store.DedupRepo, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, DeliveryTimeout: DefaultDeliveryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		dispatcher:      dispatcher,
		dedup:           dedup,
		verifyToken:     cfg.VerifyToken,
		publicURL:       cfg.PublicURL,
		deliveryTimeout: cfg.DeliveryTimeout,
	}
	if cfg.TwilioAuthToken != "" {
		v := twilioClient.NewRequestValidator(cfg.TwilioAuthToken)
		s.twilioValidator = &v
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)
	r.HandleFunc("/webhook", s.verifyHandler).Methods(http.MethodGet)
	r.HandleFunc("/webhook", s.webhookHandler).Methods(http.MethodPost)
	r.HandleFunc("/twilio/webhook", s.twilioWebhookHandler).Methods(http.MethodPost)
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stats returns the delivery counters.
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully and waits
// for in-flight deliveries.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			slog.Error("Server.Run: API server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: forced shutdown", "error", err)
	}
	if err := s.Wait(shutdownCtx); err != nil {
		slog.Warn("Server.Run: in-flight deliveries did not finish", "error", err)
	}
	slog.Info("Server.Run: API server stopped")
	return nil
}

// Wait blocks until every dispatched delivery finished or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch processes msg asynchronously with its own deadline. It is also the
// entry point for transports that push messages without HTTP. Messages already
// recorded are dropped before any goroutine starts.
func (s *Server) Dispatch(msg models.InboundMessage) {
	deliveryID := uuid.NewString()
	s.stats.received.Add(1)
	if s.recorded(msg) {
		s.stats.duplicates.Add(1)
		slog.Info("Server.Dispatch: duplicate delivery skipped", "delivery_id", deliveryID, "user_id", msg.Sender(), "message_id", msg.ID())
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.deliveryTimeout)
		defer cancel()
		s.process(ctx, deliveryID, msg)
	}()
}

// recorded reports whether msg was seen before. Lookup failures read as unseen;
// RecordInbound in process still guards against concurrent redeliveries.
func (s *Server) recorded(msg models.InboundMessage) bool {
	if s.dedup == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), dedupLookupTimeout)
	defer cancel()
	dup, err := s.dedup.IsDuplicate(ctx, msg.ID())
	if err != nil {
		slog.Warn("Server.recorded: dedup lookup failed", "message_id", msg.ID(), "error", err)
		return false
	}
	return dup
}

func (s *Server) process(ctx context.Context, deliveryID string, msg models.InboundMessage) {
	log := slog.With("delivery_id", deliveryID, "user_id", msg.Sender(), "message_id", msg.ID())

	if s.dedup != nil {
		fresh, err := s.dedup.RecordInbound(ctx, msg.ID(), msg.Sender())
		switch {
		case err != nil:
			log.Warn("Server.process: dedup check failed, processing anyway", "error", err)
		case !fresh:
			s.stats.duplicates.Add(1)
			log.Info("Server.process: duplicate delivery skipped")
			return
		}
	}

	start := time.Now()
	if err := s.dispatcher.HandleMessage(ctx, msg); err != nil {
		s.stats.failed.Add(1)
		log.Error("Server.process: message handling failed", "kind", msg.Kind(), "error", err, "elapsed", time.Since(start))
		return
	}
	s.stats.processed.Add(1)
	log.Debug("Server.process: message handled", "kind", msg.Kind(), "elapsed", time.Since(start))

	if s.dedup != nil {
		if err := s.dedup.MarkProcessed(ctx, msg.ID()); err != nil {
			log.Warn("Server.process: failed to mark message processed", "error", err)
		}
	}
}

func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || challenge == "" {
		slog.Warn("Server.verifyHandler: malformed verification request", "mode", mode)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid verification request"))
		return
	}
	if s.verifyToken == "" || token != s.verifyToken {
		slog.Warn("Server.verifyHandler: verify token mismatch")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Verify token mismatch"))
		return
	}
	slog.Info("Server.verifyHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// webhookHandler always answers 200 so that the provider does not retry
// deliveries that can never be processed.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.stats.dropped.Add(1)
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusOK, models.Accepted())
		return
	}

	msg, err := ParseWebhook(body)
	switch {
	case errors.Is(err, ErrNoMessages):
		s.stats.ignored.Add(1)
		slog.Debug("Server.webhookHandler: status-only delivery ignored")
	case err != nil:
		s.stats.dropped.Add(1)
		slog.Warn("Server.webhookHandler: delivery dropped", "error", err)
	default:
		s.Dispatch(msg)
	}
	writeJSONResponse(w, http.StatusOK, models.Accepted())
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.stats.dropped.Add(1)
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeTwiML(w)
		return
	}

	if s.twilioValidator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.twilioValidator.Validate(s.publicURL+r.URL.RequestURI(), params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioWebhookHandler: invalid Twilio signature")
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
	}

	msg, err := parseTwilioForm(twilioForm{
		From:          r.PostForm.Get("From"),
		Body:          r.PostForm.Get("Body"),
		MessageSid:    r.PostForm.Get("MessageSid"),
		ProfileName:   r.PostForm.Get("ProfileName"),
		ButtonPayload: r.PostForm.Get("ButtonPayload"),
		ButtonText:    r.PostForm.Get("ButtonText"),
	})
	if err != nil {
		s.stats.dropped.Add(1)
		slog.Warn("Server.twilioWebhookHandler: delivery dropped", "error", err)
	} else {
		s.Dispatch(msg)
	}
	writeTwiML(w)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.Stats()))
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("Server: request served", "method", r.Method, "path", r.URL.Path, "status", rec.status, "remote", r.RemoteAddr, "elapsed", time.Since(start))
	})
}
