package userapi

import (
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

	"github.com/tokengate-io/tokengate/internal/guard"
	"github.com/tokengate-io/tokengate/internal/models"
)

func setupUserAPI(t *testing.T) (*gorm.DB, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:userapi_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(
		&models.APIKey{}, &models.ModelMapping{}, &models.UsageLog{},
	); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	engine := gin.New()
	NewRouter(conn, guard.New(conn)).RegisterRoutes(engine)
	return conn, engine
}

func userRequest(engine *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestUserStatusFlatKey(t *testing.T) {
	conn, engine := setupUserAPI(t)
	expiry := time.Now().UTC().Add(72 * time.Hour)
	key := models.APIKey{
		Name: "customer", Key: "sk-customer", Enabled: true,
		Balance: 12.5, TotalSpent: 7.5, TotalTokens: 4200, Expiry: &expiry,
	}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	w := userRequest(engine, "/api/user/status", "sk-customer")
	if w.Code != http.StatusOK {
		t.Fatalf("status failed: %d %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if errDecode := json.NewDecoder(w.Body).Decode(&resp); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if resp["name"] != "customer" || resp["regime"] != "flat" {
		t.Fatalf("unexpected status %+v", resp)
	}
	if resp["balance"] != 12.5 {
		t.Fatalf("expected balance 12.5, got %v", resp["balance"])
	}
	if resp["days_remaining"] != float64(3) {
		t.Fatalf("expected 3 days remaining, got %v", resp["days_remaining"])
	}
	if resp["expired"] != false {
		t.Fatalf("expected not expired")
	}
}

func TestUserStatusExpiredKeyStillReadable(t *testing.T) {
	conn, engine := setupUserAPI(t)
	expiry := time.Now().UTC().Add(-time.Hour)
	key := models.APIKey{Name: "old", Key: "sk-old", Enabled: true, Expiry: &expiry}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	w := userRequest(engine, "/api/user/status", "sk-old")
	if w.Code != http.StatusOK {
		t.Fatalf("expired key must still read its status: %d", w.Code)
	}
	var resp map[string]any
	if errDecode := json.NewDecoder(w.Body).Decode(&resp); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if resp["expired"] != true {
		t.Fatalf("expected expired flag set")
	}
}

func TestUserAPIRejectsUnknownKey(t *testing.T) {
	_, engine := setupUserAPI(t)

	if w := userRequest(engine, "/api/user/status", "sk-nope"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", w.Code)
	}
	if w := userRequest(engine, "/api/user/status", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}
}

func TestUserUsageScopedToKey(t *testing.T) {
	conn, engine := setupUserAPI(t)
	mine := models.APIKey{Name: "mine", Key: "sk-mine", Enabled: true}
	other := models.APIKey{Name: "other", Key: "sk-other", Enabled: true}
	if errCreate := conn.Create(&mine).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	if errCreate := conn.Create(&other).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	if errCreate := conn.Create(&models.UsageLog{APIKeyID: mine.ID, ModelID: 1, InputTokens: 10, OutputTokens: 5, Cost: 0.1}).Error; errCreate != nil {
		t.Fatalf("create usage: %v", errCreate)
	}
	if errCreate := conn.Create(&models.UsageLog{APIKeyID: other.ID, ModelID: 1, InputTokens: 99, OutputTokens: 99, Cost: 9}).Error; errCreate != nil {
		t.Fatalf("create usage: %v", errCreate)
	}

	w := userRequest(engine, "/api/user/usage", "sk-mine")
	if w.Code != http.StatusOK {
		t.Fatalf("usage failed: %d", w.Code)
	}
	var resp struct {
		Usage []models.UsageLog `json:"usage"`
	}
	if errDecode := json.NewDecoder(w.Body).Decode(&resp); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if len(resp.Usage) != 1 || resp.Usage[0].APIKeyID != mine.ID {
		t.Fatalf("usage must be scoped to the caller's key: %+v", resp.Usage)
	}
}

func TestUserModelsHideUpstreamDetails(t *testing.T) {
	conn, engine := setupUserAPI(t)
	key := models.APIKey{Name: "k", Key: "sk-k", Enabled: true}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	mapping := models.ModelMapping{
		DisplayName: "smart-model",
		ActualModel: "gpt-4o-2024-08-06",
		APIURL:      "https://api.openai.com/v1",
		APIKey:      "upstream-secret",
		APIFormat:   models.DialectOpenAI,
		InputPrice:  3,
		OutputPrice: 15,
		Enabled:     true,
	}
	disabled := models.ModelMapping{
		DisplayName: "hidden-model",
		ActualModel: "x",
		APIURL:      "https://example.com",
		APIFormat:   models.DialectOpenAI,
		Enabled:     false,
	}
	if errCreate := conn.Create(&mapping).Error; errCreate != nil {
		t.Fatalf("create mapping: %v", errCreate)
	}
	if errCreate := conn.Create(&disabled).Error; errCreate != nil {
		t.Fatalf("create mapping: %v", errCreate)
	}

	w := userRequest(engine, "/api/user/models", "sk-k")
	if w.Code != http.StatusOK {
		t.Fatalf("models failed: %d", w.Code)
	}

	body := w.Body.String()
	for _, leaked := range []string{"upstream-secret", "gpt-4o-2024-08-06", "api.openai.com", "hidden-model"} {
		if strings.Contains(body, leaked) {
			t.Fatalf("catalog leaked %q: %s", leaked, body)
		}
	}

	var resp struct {
		Models []modelView `json:"models"`
	}
	if errDecode := json.NewDecoder(w.Body).Decode(&resp); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if len(resp.Models) != 1 || resp.Models[0].DisplayName != "smart-model" {
		t.Fatalf("unexpected catalog %+v", resp.Models)
	}
	if resp.Models[0].InputPrice != 3 || resp.Models[0].OutputPrice != 15 {
		t.Fatalf("unexpected prices %+v", resp.Models[0])
	}
}
