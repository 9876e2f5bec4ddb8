package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	waitTimeout       = 3 * time.Second
)

type serverFixture struct {
	service *notes.Service
	hub     *RoomHub
	issuer  *auth.SessionIssuer
	server  *httptest.Server
}

func fixedClock() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

func mustDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(append(notes.Models(), users.Models()...)...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return database
}

func newServerFixture(t *testing.T, origins ...string) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	database := mustDatabase(t)

	service, err := notes.NewService(notes.ServiceConfig{Database: database, IDProvider: notes.NewUUIDProvider(), Clock: fixedClock})
	if err != nil {
		t.Fatalf("failed to create notes service: %v", err)
	}
	identities, err := users.NewService(users.ServiceConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret), CookieName: testCookieName})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	hub, err := NewRoomHub(RoomHubConfig{Store: service})
	if err != nil {
		t.Fatalf("failed to create room hub: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Identities:       identities,
		NotesService:     service,
		Rooms:            hub,
		AllowedOrigins:   origins,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return serverFixture{service: service, hub: hub, issuer: issuer, server: server}
}

func (f serverFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(auth.Identity{UserID: userID, DisplayName: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f serverFixture) request(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := f.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return response.StatusCode, payload
}

func errorCode(t *testing.T, payload []byte) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", payload, err)
	}
	return body["error"]
}

func stringPointer(value string) *string {
	return &value
}
