package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/activity"
	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/boards"
	"github.com/MarcoPoloResearchLab/quire/internal/database"
	"github.com/MarcoPoloResearchLab/quire/internal/groups"
	"github.com/MarcoPoloResearchLab/quire/internal/ids"
	"github.com/MarcoPoloResearchLab/quire/internal/notifications"
	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/MarcoPoloResearchLab/quire/internal/stats"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "quire-auth"
	testCookieName    = "app_session"
)

type testServer struct {
	t      *testing.T
	server *httptest.Server
	db     *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithClock(t, nil)
}

// newTestServerWithClock builds the full stack; a nil clock means the handler reads time.Now.
func newTestServerWithClock(t *testing.T, clock func() time.Time) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.Open(database.Config{Driver: database.DriverSQLite, Path: dsn}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	idProvider := ids.NewUUIDProvider()

	outbox, err := notifications.NewService(notifications.ServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct notifications: %v", err)
	}
	directory, err := groups.NewDirectory(groups.DirectoryConfig{
		Database:      db,
		IDProvider:    idProvider,
		Notifications: outbox,
		Publisher:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	ledger, err := rewards.NewLedger(rewards.LedgerConfig{Database: db, Groups: directory, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	statsService, err := stats.NewService(stats.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct stats: %v", err)
	}
	catalog, err := quests.NewCatalog(quests.CatalogConfig{
		Database:    db,
		Groups:      directory,
		RewardTypes: ledger,
		IDProvider:  idProvider,
	})
	if err != nil {
		t.Fatalf("failed to construct catalog: %v", err)
	}
	engine, err := quests.NewEngine(quests.EngineConfig{
		Database:      db,
		Catalog:       catalog,
		Groups:        directory,
		Rewards:       ledger,
		Stats:         statsService,
		Notifications: outbox,
		Publisher:     dispatcher,
		IDProvider:    idProvider,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	tracker, err := activity.NewTracker(activity.TrackerConfig{Recorder: engine, Stats: statsService})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	guard, err := activity.NewMemoryGuard(128)
	if err != nil {
		t.Fatalf("failed to construct guard: %v", err)
	}
	boardService, err := boards.NewService(boards.ServiceConfig{
		Database:   db,
		Groups:     directory,
		Tracker:    tracker,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to construct boards: %v", err)
	}
	ledger.OnGrantDeleted(boardService.ReleaseGrantTx)
	ingestor, err := activity.NewIngestor(activity.IngestorConfig{Handler: tracker, Guard: guard})
	if err != nil {
		t.Fatalf("failed to construct ingestor: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Users:             userService,
		Catalog:           catalog,
		Ingestor:          ingestor,
		Groups:            directory,
		Rewards:           ledger,
		Notifications:     outbox,
		Stats:             statsService,
		Boards:            boardService,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Minute,
		Clock:             clock,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{t: t, server: server, db: db}
}

func (s *testServer) token(userID string, roles ...string) string {
	s.t.Helper()
	now := time.Now()
	claims := auth.SessionClaims{
		UserID:    userID,
		UserRoles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		s.t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// do sends a request as the given token and decodes a JSON body into target when provided.
func (s *testServer) do(method, path, token string, body any, target any) int {
	s.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		s.t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		s.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			s.t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}
