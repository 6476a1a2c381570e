package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/billing"
	"github.com/tokengate-io/tokengate/internal/cache"
	"github.com/tokengate-io/tokengate/internal/directory"
	"github.com/tokengate-io/tokengate/internal/guard"
	"github.com/tokengate-io/tokengate/internal/models"
)

func setupProxyDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:proxy_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(
		&models.APIKey{}, &models.ModelMapping{}, &models.Setting{},
		&models.UsageLog{}, &models.RequestLog{},
	); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func setupProxyEngine(t *testing.T, conn *gorm.DB) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := directory.New(conn, cache.NewLRUCache(100), cache.NewLRUCache(100), time.Minute)
	server := New(conn, guard.New(conn), dir, billing.NewLedger(conn), 30*time.Second, 0)
	engine := gin.New()
	server.RegisterRoutes(engine)
	return engine
}

func createProxyKey(t *testing.T, conn *gorm.DB, balance float64) *models.APIKey {
	t.Helper()
	key := &models.APIKey{Name: "tester", Key: "sk-test", Enabled: true, Balance: balance}
	if errCreate := conn.Create(key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	return key
}

func createProxyMapping(t *testing.T, conn *gorm.DB, apiURL, format string) *models.ModelMapping {
	t.Helper()
	mapping := &models.ModelMapping{
		DisplayName: "smart-model",
		ActualModel: "gpt-4o-2024-08-06",
		APIURL:      apiURL,
		APIKey:      "upstream-secret",
		APIFormat:   format,
		InputPrice:  3,
		OutputPrice: 15,
		Enabled:     true,
	}
	if errCreate := conn.Create(mapping).Error; errCreate != nil {
		t.Fatalf("create mapping: %v", errCreate)
	}
	return mapping
}

func doChat(engine *gin.Engine, token string, payload map[string]any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestProxyNonStreamingDebitsAndRewrites(t *testing.T) {
	conn := setupProxyDB(t)
	key := createProxyKey(t, conn, 10)

	var upstreamBody map[string]any
	var upstreamHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&upstreamBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","model":"gpt-4o-2024-08-06","usage":{"prompt_tokens":1000000,"completion_tokens":0}}`))
	}))
	defer upstream.Close()
	createProxyMapping(t, conn, upstream.URL+"/v1", models.DialectOpenAI)

	engine := setupProxyEngine(t, conn)
	w := doChat(engine, "sk-test", map[string]any{
		"model":    "smart-model",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Model substitution on the way out, auth headers attached.
	if upstreamBody["model"] != "gpt-4o-2024-08-06" {
		t.Fatalf("expected substituted model, got %v", upstreamBody["model"])
	}
	if got := upstreamHeaders.Get("Authorization"); got != "Bearer upstream-secret" {
		t.Fatalf("expected upstream bearer auth, got %q", got)
	}
	if got := upstreamHeaders.Get("User-Agent"); got != "claude-code/1.0.42" {
		t.Fatalf("unexpected user agent %q", got)
	}

	// Display name restored on the way back.
	var resp map[string]any
	if errDecode := json.NewDecoder(w.Body).Decode(&resp); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if resp["model"] != "smart-model" {
		t.Fatalf("expected display name in response, got %v", resp["model"])
	}

	// 1M input tokens at 3.00/M = 3.00 debited from 10.
	var stored models.APIKey
	if errFind := conn.First(&stored, key.ID).Error; errFind != nil {
		t.Fatalf("reload key: %v", errFind)
	}
	if stored.Balance != 7 {
		t.Fatalf("expected balance 7, got %v", stored.Balance)
	}

	var logs []models.UsageLog
	if errFind := conn.Find(&logs).Error; errFind != nil {
		t.Fatalf("find logs: %v", errFind)
	}
	if len(logs) != 1 || logs[0].InputTokens != 1000000 || logs[0].Cost != 3 {
		t.Fatalf("unexpected usage logs %+v", logs)
	}
}

func TestProxySystemPromptInjection(t *testing.T) {
	conn := setupProxyDB(t)
	createProxyKey(t, conn, 10)
	if errCreate := conn.Create(&models.Setting{Key: models.SettingGlobalSystemPrompt, Value: "Global rules."}).Error; errCreate != nil {
		t.Fatalf("create setting: %v", errCreate)
	}

	var upstreamBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&upstreamBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer upstream.Close()
	createProxyMapping(t, conn, upstream.URL+"/v1", models.DialectOpenAI)

	engine := setupProxyEngine(t, conn)
	w := doChat(engine, "sk-test", map[string]any{
		"model":    "smart-model",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	messages := upstreamBody["messages"].([]any)
	first := messages[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "Global rules." {
		t.Fatalf("expected injected global prompt, got %+v", first)
	}
}

func TestProxyModelPromptOverridesGlobal(t *testing.T) {
	conn := setupProxyDB(t)
	createProxyKey(t, conn, 10)
	if errCreate := conn.Create(&models.Setting{Key: models.SettingGlobalSystemPrompt, Value: "Global rules."}).Error; errCreate != nil {
		t.Fatalf("create setting: %v", errCreate)
	}

	var upstreamBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&upstreamBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer upstream.Close()

	modelPrompt := "Model rules."
	mapping := createProxyMapping(t, conn, upstream.URL+"/v1", models.DialectOpenAI)
	if errUpdate := conn.Model(mapping).Update("system_prompt", &modelPrompt).Error; errUpdate != nil {
		t.Fatalf("update mapping: %v", errUpdate)
	}

	engine := setupProxyEngine(t, conn)
	w := doChat(engine, "sk-test", map[string]any{
		"model":    "smart-model",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	first := upstreamBody["messages"].([]any)[0].(map[string]any)
	if first["content"] != "Model rules." {
		t.Fatalf("model prompt must override global, got %+v", first)
	}
}

func TestProxyUpstreamErrorPassthroughNoDebit(t *testing.T) {
	conn := setupProxyDB(t)
	key := createProxyKey(t, conn, 10)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer upstream.Close()
	createProxyMapping(t, conn, upstream.URL+"/v1", models.DialectOpenAI)

	engine := setupProxyEngine(t, conn)
	w := doChat(engine, "sk-test", map[string]any{
		"model":    "smart-model",
		"messages": []any{},
	})

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected upstream 429 passed through, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "slow down") {
		t.Fatalf("upstream error body must relay unmodified, got %q", w.Body.String())
	}

	var stored models.APIKey
	if errFind := conn.First(&stored, key.ID).Error; errFind != nil {
		t.Fatalf("reload key: %v", errFind)
	}
	if stored.Balance != 10 {
		t.Fatalf("failed call must not be billed, balance %v", stored.Balance)
	}
	var usageCount int64
	_ = conn.Model(&models.UsageLog{}).Count(&usageCount)
	if usageCount != 0 {
		t.Fatalf("failed call must not record usage, got %d rows", usageCount)
	}
	var auditCount int64
	_ = conn.Model(&models.RequestLog{}).Count(&auditCount)
	if auditCount != 1 {
		t.Fatalf("expected 1 audit row, got %d", auditCount)
	}
}

func TestProxyZeroUsageNotBilled(t *testing.T) {
	conn := setupProxyDB(t)
	createProxyKey(t, conn, 10)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1"}`))
	}))
	defer upstream.Close()
	createProxyMapping(t, conn, upstream.URL+"/v1", models.DialectOpenAI)

	engine := setupProxyEngine(t, conn)
	w := doChat(engine, "sk-test", map[string]any{"model": "smart-model", "messages": []any{}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var usageCount int64
	_ = conn.Model(&models.UsageLog{}).Count(&usageCount)
	if usageCount != 0 {
		t.Fatalf("zero-usage call must not be billed, got %d rows", usageCount)
	}
}

func TestProxyRejections(t *testing.T) {
	conn := setupProxyDB(t)
	createProxyKey(t, conn, 10)
	broke := &models.APIKey{Name: "broke", Key: "sk-broke", Enabled: true, Balance: 0}
	if errCreate := conn.Create(broke).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	disabled := &models.APIKey{Name: "off", Key: "sk-off", Enabled: false, Balance: 10}
	if errCreate := conn.Create(disabled).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	expiry := time.Now().UTC().Add(-time.Hour)
	expired := &models.APIKey{Name: "old", Key: "sk-old-key", Enabled: true, Balance: 10, Expiry: &expiry}
	if errCreate := conn.Create(expired).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	createProxyMapping(t, conn, "http://unused.invalid/v1", models.DialectOpenAI)

	engine := setupProxyEngine(t, conn)
	payload := map[string]any{"model": "smart-model", "messages": []any{}}

	tests := []struct {
		name     string
		token    string
		payload  map[string]any
		expected int
	}{
		{"missing token", "", payload, http.StatusUnauthorized},
		{"unknown key", "sk-nope", payload, http.StatusUnauthorized},
		{"disabled key", "sk-off", payload, http.StatusUnauthorized},
		{"expired key", "sk-old-key", payload, http.StatusForbidden},
		{"zero balance", "sk-broke", payload, http.StatusPaymentRequired},
		{"unknown model", "sk-test", map[string]any{"model": "nope"}, http.StatusNotFound},
		{"missing model", "sk-test", map[string]any{"messages": []any{}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doChat(engine, tt.token, tt.payload)
			if w.Code != tt.expected {
				t.Fatalf("expected %d, got %d: %s", tt.expected, w.Code, w.Body.String())
			}
		})
	}

	var usageCount int64
	_ = conn.Model(&models.UsageLog{}).Count(&usageCount)
	if usageCount != 0 {
		t.Fatalf("rejected calls must not record usage, got %d rows", usageCount)
	}
}

func TestProxyRateLimitExhaustedCarriesReset(t *testing.T) {
	conn := setupProxyDB(t)
	amount := 5.0
	interval := 5
	windowStart := time.Now().UTC().Add(-time.Hour)
	key := &models.APIKey{
		Name:                   "rate",
		Key:                    "sk-rate",
		Enabled:                true,
		RateLimitAmount:        &amount,
		RateLimitIntervalHours: &interval,
		RateLimitWindowStart:   &windowStart,
		RateLimitWindowSpent:   5,
	}
	if errCreate := conn.Create(key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	createProxyMapping(t, conn, "http://unused.invalid/v1", models.DialectOpenAI)

	engine := setupProxyEngine(t, conn)
	w := doChat(engine, "sk-rate", map[string]any{"model": "smart-model", "messages": []any{}})

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var resp map[string]any
	if errDecode := json.NewDecoder(w.Body).Decode(&resp); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if _, ok := resp["reset_at"].(string); !ok {
		t.Fatalf("expected reset_at in denial, got %+v", resp)
	}
}

func TestProxyStreamingBillsExtractedUsage(t *testing.T) {
	conn := setupProxyDB(t)
	key := createProxyKey(t, conn, 10)

	var upstreamBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&upstreamBody)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"model\":\"gpt-4o-2024-08-06\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
			"data: {\"usage\":{\"prompt_tokens\":1000000,\"completion_tokens\":0}}\n\n" +
			"data: [DONE]\n\n"))
	}))
	defer upstream.Close()
	createProxyMapping(t, conn, upstream.URL+"/v1", models.DialectOpenAI)

	engine := setupProxyEngine(t, conn)
	w := doChat(engine, "sk-test", map[string]any{
		"model":    "smart-model",
		"stream":   true,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The dialect forces usage reporting on streamed requests.
	opts, ok := upstreamBody["stream_options"].(map[string]any)
	if !ok || opts["include_usage"] != true {
		t.Fatalf("expected stream_options forced, got %+v", upstreamBody["stream_options"])
	}

	body := w.Body.String()
	if strings.Contains(body, "gpt-4o-2024-08-06") {
		t.Fatalf("upstream model leaked into stream: %q", body)
	}
	if !strings.Contains(body, "smart-model") {
		t.Fatalf("display name missing from stream: %q", body)
	}

	var stored models.APIKey
	if errFind := conn.First(&stored, key.ID).Error; errFind != nil {
		t.Fatalf("reload key: %v", errFind)
	}
	if stored.Balance != 7 {
		t.Fatalf("expected balance 7 after streamed debit, got %v", stored.Balance)
	}
}

func TestJoinUpstreamURL(t *testing.T) {
	tests := []struct {
		base     string
		path     string
		expected string
	}{
		{"https://api.openai.com/v1", "/v1/chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "/v1/chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com", "/v1/chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://gateway.example.com/openai", "/v1/messages", "https://gateway.example.com/openai/v1/messages"},
		{"https://api.anthropic.com/v1", "/v1/messages", "https://api.anthropic.com/v1/messages"},
	}
	for _, tt := range tests {
		if got := JoinUpstreamURL(tt.base, tt.path); got != tt.expected {
			t.Fatalf("join(%q, %q): expected %q, got %q", tt.base, tt.path, tt.expected, got)
		}
	}
}
