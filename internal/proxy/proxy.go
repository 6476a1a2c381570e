// Package proxy is the request orchestrator: it composes the guard,
// directory, translator, relay, and ledger into the per-call control flow
// and owns error-to-status mapping and correlation-id logging.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/billing"
	"github.com/tokengate-io/tokengate/internal/dialect"
	"github.com/tokengate-io/tokengate/internal/directory"
	"github.com/tokengate-io/tokengate/internal/guard"
	"github.com/tokengate-io/tokengate/internal/models"
	"github.com/tokengate-io/tokengate/internal/relay"
)

// Server proxies client calls to configured upstream providers.
type Server struct {
	db        *gorm.DB
	guard     *guard.Guard
	directory *directory.Directory
	ledger    *billing.Ledger
	client    *http.Client
	heartbeat time.Duration
}

// New constructs a proxy Server.
func New(conn *gorm.DB, g *guard.Guard, dir *directory.Directory, ledger *billing.Ledger, upstreamTimeout, heartbeat time.Duration) *Server {
	return &Server{
		db:        conn,
		guard:     g,
		directory: dir,
		ledger:    ledger,
		client:    &http.Client{Timeout: upstreamTimeout},
		heartbeat: heartbeat,
	}
}

// RegisterRoutes mounts the proxy endpoints.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/chat/completions", s.handler("/v1/chat/completions"))
	v1.POST("/messages", s.handler("/v1/messages"))
}

// call carries the per-request state threaded through the pipeline.
type call struct {
	correlationID string
	logger        *log.Entry
	key           *models.APIKey
	mapping       *models.ModelMapping
	dialect       dialect.Dialect
	displayName   string
	streaming     bool
}

func (s *Server) handler(clientPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl := &call{correlationID: uuid.NewString()[:8]}
		cl.logger = log.WithField("correlation_id", cl.correlationID)

		if errHandle := s.handleProxy(c, cl, clientPath); errHandle != nil {
			cl.logger.WithError(errHandle).Error("proxy error")
			s.reject(c, cl, http.StatusInternalServerError, "Internal proxy error")
		}
	}
}

// handleProxy runs the pipeline. All billing-relevant failures happen before
// the upstream call or surface as upstream passthrough; a debit without
// successful token delivery is impossible by construction, apart from the
// intentional partial-stream exception in relayStreaming.
func (s *Server) handleProxy(c *gin.Context, cl *call, clientPath string) error {
	key, errAuth := s.guard.Authenticate(c.Request.Context(), bearerToken(c.Request))
	if errAuth != nil {
		switch {
		case errors.Is(errAuth, guard.ErrInvalidKey), errors.Is(errAuth, guard.ErrDisabledKey):
			s.reject(c, cl, http.StatusUnauthorized, "Invalid or disabled API key")
		case errors.Is(errAuth, guard.ErrExpiredKey):
			s.reject(c, cl, http.StatusForbidden, "API key expired")
		default:
			return errAuth
		}
		return nil
	}
	cl.key = key

	decision := s.guard.CheckBudget(key)
	if !decision.Allowed {
		if decision.Regime == models.RegimeRate {
			payload := gin.H{"error": "Rate limit budget exhausted"}
			if decision.WindowResetAt != nil {
				payload["reset_at"] = decision.WindowResetAt.UTC().Format(time.RFC3339)
			}
			s.rejectJSON(c, cl, http.StatusTooManyRequests, payload)
		} else {
			s.reject(c, cl, http.StatusPaymentRequired, "Insufficient balance")
		}
		return nil
	}

	rawBody, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		s.reject(c, cl, http.StatusBadRequest, "Unreadable request body")
		return nil
	}
	body := map[string]any{}
	if errUnmarshal := json.Unmarshal(rawBody, &body); errUnmarshal != nil {
		s.reject(c, cl, http.StatusBadRequest, "Invalid JSON body")
		return nil
	}
	requestedModel, _ := body["model"].(string)
	if strings.TrimSpace(requestedModel) == "" {
		s.reject(c, cl, http.StatusBadRequest, "Model field is required")
		return nil
	}
	cl.displayName = requestedModel

	mapping, errResolve := s.directory.ResolveModel(c.Request.Context(), requestedModel)
	if errResolve != nil {
		if errors.Is(errResolve, directory.ErrModelNotFound) {
			s.reject(c, cl, http.StatusNotFound, "Model '"+requestedModel+"' not found")
			return nil
		}
		return errResolve
	}
	cl.mapping = mapping

	d, errDialect := dialect.For(mapping.APIFormat)
	if errDialect != nil {
		return errDialect
	}
	cl.dialect = d
	cl.streaming = body["stream"] == true

	s.translateRequest(c.Request.Context(), cl, body)

	outBody, errMarshal := json.Marshal(body)
	if errMarshal != nil {
		return errMarshal
	}

	upstreamURL := JoinUpstreamURL(mapping.APIURL, clientPath)
	cl.logger.WithFields(log.Fields{
		"upstream":  upstreamURL,
		"dialect":   d.Name(),
		"streaming": cl.streaming,
	}).Info("proxying request")

	req, errReq := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, upstreamURL, bytes.NewReader(outBody))
	if errReq != nil {
		return errReq
	}
	req.Header = dialect.BuildUpstreamHeaders(d, mapping.APIKey)

	resp, errDo := s.client.Do(req)
	if errDo != nil {
		return errDo
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.relayUpstreamError(c, cl, resp)
	}

	if cl.streaming {
		return s.relayStreaming(c, cl, resp)
	}
	return s.relayNonStreaming(c, cl, resp)
}

// translateRequest applies system prompt injection, model substitution, and
// stream usage forcing to the outbound body.
func (s *Server) translateRequest(ctx context.Context, cl *call, body map[string]any) {
	prompt := s.effectiveSystemPrompt(ctx, cl.mapping)
	if prompt != "" {
		cl.dialect.InjectSystemPrompt(body, prompt)
	}

	body["model"] = cl.mapping.ActualModel
	if cl.streaming {
		cl.dialect.ForceStreamUsage(body)
	}
}

// effectiveSystemPrompt resolves the prompt precedence chain: model-specific
// prompt, else the global setting, else none; suppressed entirely when
// injection is globally disabled or the model opts out.
func (s *Server) effectiveSystemPrompt(ctx context.Context, mapping *models.ModelMapping) string {
	if mapping.DisableSystem || !s.directory.SystemPromptEnabled(ctx) {
		return ""
	}
	prompt := ""
	if mapping.SystemPrompt != nil {
		prompt = *mapping.SystemPrompt
	}
	if prompt == "" {
		prompt = s.directory.GlobalSystemPrompt(ctx)
	}
	return dialect.TruncatePrompt(prompt)
}

// relayUpstreamError passes a 4xx/5xx upstream response through verbatim.
// No debit is performed; the failure is recorded for audit only.
func (s *Server) relayUpstreamError(c *gin.Context, cl *call, resp *http.Response) error {
	errBody, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return errRead
	}
	cl.logger.WithField("status", resp.StatusCode).Error("upstream error")
	s.recordFailure(c.Request.Context(), cl, resp.StatusCode, json.RawMessage(errBody))
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), errBody)
	return nil
}

// relayNonStreaming parses the full body once, bills the measured usage, and
// returns the rewritten response.
func (s *Server) relayNonStreaming(c *gin.Context, cl *call, resp *http.Response) error {
	respBody, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return errRead
	}

	usage := cl.dialect.ExtractUsage(respBody)
	cl.logger.WithFields(log.Fields{
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	}).Info("non-stream completed")

	s.billUsage(c.Request.Context(), cl, usage)

	rewritten := cl.dialect.RewriteModelReferences(respBody, cl.mapping.ActualModel, cl.displayName)
	s.copyResponseHeaders(c, cl, resp)
	c.Data(resp.StatusCode, "application/json", rewritten)
	return nil
}

// relayStreaming forwards the SSE stream while extracting usage, then bills
// whatever usage was established — including on client disconnect or
// upstream read error mid-stream, where billing the tokens actually
// generated is the deliberate choice. A failed stream is closed without a
// trailing error frame since partial data may already be on the wire.
func (s *Server) relayStreaming(c *gin.Context, cl *call, resp *http.Response) error {
	s.copyResponseHeaders(c, cl, resp)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(resp.StatusCode)

	usage, errStream := relay.Stream(
		c.Request.Context(), c.Writer, resp.Body,
		cl.dialect, cl.mapping.ActualModel, cl.displayName,
		s.heartbeat,
	)
	if errStream != nil {
		cl.logger.WithError(errStream).Warn("stream terminated early")
	} else {
		cl.logger.WithFields(log.Fields{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		}).Info("stream completed")
	}

	// Billing runs only after the stream is fully drained or failed, with a
	// background context so a disconnected client cannot cancel the debit.
	billCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.billUsage(billCtx, cl, usage)
	return nil
}

// billUsage prices the measured usage and debits it. A call with zero
// measured tokens on both axes is never billed.
func (s *Server) billUsage(ctx context.Context, cl *call, usage dialect.Usage) {
	if !usage.Found() {
		cl.logger.Warn("no token usage found; skipping debit")
		return
	}

	cost := billing.CalculateCost(usage.InputTokens, usage.OutputTokens, cl.mapping.InputPrice, cl.mapping.OutputPrice)
	row, errDebit := s.ledger.Debit(ctx, billing.Entry{
		APIKeyID:     cl.key.ID,
		ModelID:      cl.mapping.ID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         cost,
	})
	if errDebit != nil {
		cl.logger.WithError(errDebit).Error("debit failed")
		return
	}
	cl.logger.WithFields(log.Fields{
		"cost":          cost,
		"balance_after": row.BalanceAfter,
	}).Info("debited usage")
}

// copyResponseHeaders forwards upstream headers, rewriting any header whose
// name mentions the model so upstream identifiers never leak to the client.
func (s *Server) copyResponseHeaders(c *gin.Context, cl *call, resp *http.Response) {
	for name, values := range resp.Header {
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		rewrite := strings.Contains(strings.ToLower(name), "model")
		for _, value := range values {
			if rewrite {
				value = strings.ReplaceAll(value, cl.mapping.ActualModel, cl.displayName)
			}
			c.Writer.Header().Add(name, value)
		}
	}
}

// reject sends a JSON error and records the rejection for audit.
func (s *Server) reject(c *gin.Context, cl *call, status int, message string) {
	s.rejectJSON(c, cl, status, gin.H{"error": message})
}

func (s *Server) rejectJSON(c *gin.Context, cl *call, status int, payload gin.H) {
	s.recordFailure(c.Request.Context(), cl, status, payload)
	c.JSON(status, payload)
}

// recordFailure appends a RequestLog row. Failures here are logged and
// swallowed: auditing must never turn a clean rejection into a 500.
func (s *Server) recordFailure(ctx context.Context, cl *call, status int, detail any) {
	detailJSON, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		detailJSON = nil
	}
	row := &models.RequestLog{
		CorrelationID: cl.correlationID,
		Model:         cl.displayName,
		StatusCode:    status,
		ErrorDetail:   datatypes.JSON(detailJSON),
	}
	if cl.key != nil {
		id := cl.key.ID
		row.APIKeyID = &id
	}
	if errCreate := s.db.WithContext(ctx).Create(row).Error; errCreate != nil {
		cl.logger.WithError(errCreate).Warn("request log append failed")
	}
}

// bearerToken extracts the secret from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// JoinUpstreamURL joins the mapping's base URL with the client-requested
// path, collapsing a trailing /v1 on the base with a leading /v1 on the
// path so exactly one survives.
func JoinUpstreamURL(base, clientPath string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + strings.TrimPrefix(clientPath, "/v1")
	}
	return base + clientPath
}
