package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xcnick/ob-sync/internal/auth"
	"github.com/xcnick/ob-sync/internal/database"
	"github.com/xcnick/ob-sync/internal/files"
	"github.com/xcnick/ob-sync/internal/server"
	"github.com/xcnick/ob-sync/internal/vault"
)

const (
	signingSecret   = "integration-secret"
	accountEmail    = "owner@example.com"
	accountPassword = "correct horse battery staple"
	vaultKeyHash    = "kh-integration"
	jsonContentType = "application/json"
)

func TestAccountVaultAndSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file:integration?mode=memory&cache=shared", nil)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	vaultService, err := vault.NewService(vault.ServiceConfig{
		Database: db,
		Host:     "localhost:3000",
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build vault service: %v", err)
	}
	fileStore, err := files.NewStore(files.StoreConfig{
		Database:   db,
		IDProvider: files.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build file store: %v", err)
	}
	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(signingSecret),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Vaults:       vaultService,
		Files:        fileStore,
		Tokens:       tokenManager,
		Rooms:        server.NewRoomRegistry(zap.NewNop()),
		StorageLimit: 1 << 30,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	mustPost(testContext, testServer.URL+"/user/signup", map[string]any{
		"name":     "Owner",
		"email":    accountEmail,
		"password": accountPassword,
	}, nil)

	var signinResult struct {
		Email string `json:"email"`
		Token string `json:"token"`
	}
	mustPost(testContext, testServer.URL+"/user/signin", map[string]any{
		"email":    accountEmail,
		"password": accountPassword,
	}, &signinResult)
	if signinResult.Token == "" || signinResult.Email != accountEmail {
		testContext.Fatalf("unexpected signin result: %#v", signinResult)
	}

	var created struct {
		ID   string `json:"id"`
		Salt string `json:"salt"`
	}
	mustPost(testContext, testServer.URL+"/vault/create", map[string]any{
		"token":    signinResult.Token,
		"name":     "notes",
		"password": "vault-pass",
		"salt":     "s1",
		"keyhash":  vaultKeyHash,
	}, &created)
	if created.ID == "" {
		testContext.Fatalf("expected created vault id")
	}

	var listing struct {
		Vaults []struct {
			ID string `json:"id"`
		} `json:"vaults"`
	}
	mustPost(testContext, testServer.URL+"/vault/list", map[string]any{
		"token": signinResult.Token,
	}, &listing)
	if len(listing.Vaults) != 1 || listing.Vaults[0].ID != created.ID {
		testContext.Fatalf("unexpected vault listing: %#v", listing)
	}

	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/"
	writer := dialSync(testContext, wsURL, signinResult.Token, created.ID)
	defer writer.Close()
	reader := dialSync(testContext, wsURL, signinResult.Token, created.ID)
	defer reader.Close()

	mustWriteJSON(testContext, writer, map[string]any{
		"op":        "push",
		"path":      "/note.md",
		"hash":      "h1",
		"extension": "md",
		"size":      5,
		"ctime":     100,
		"mtime":     200,
		"folder":    false,
		"deleted":   false,
		"pieces":    1,
	})
	if frame := readJSON(testContext, writer); frame["op"] != "next" {
		testContext.Fatalf("expected chunk request, got %v", frame)
	}
	if err := writer.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		testContext.Fatalf("failed to write chunk: %v", err)
	}
	if frame := readJSON(testContext, writer); frame["op"] != "push" {
		testContext.Fatalf("expected echoed broadcast, got %v", frame)
	}
	if frame := readJSON(testContext, writer); frame["op"] != "ok" {
		testContext.Fatalf("expected push acknowledgement, got %v", frame)
	}

	broadcast := readJSON(testContext, reader)
	if broadcast["op"] != "push" || broadcast["path"] != "/note.md" {
		testContext.Fatalf("unexpected broadcast on sibling connection: %v", broadcast)
	}
	revisionUID, ok := broadcast["uid"].(string)
	if !ok || revisionUID == "" {
		testContext.Fatalf("expected revision uid in broadcast, got %v", broadcast)
	}

	mustWriteJSON(testContext, reader, map[string]any{"op": "pull", "uid": revisionUID})
	metadata := readJSON(testContext, reader)
	if metadata["size"] != float64(5) || metadata["pieces"] != float64(1) {
		testContext.Fatalf("unexpected pull metadata: %v", metadata)
	}
	messageType, payload, err := reader.ReadMessage()
	if err != nil {
		testContext.Fatalf("failed to read payload: %v", err)
	}
	if messageType != websocket.BinaryMessage || string(payload) != "hello" {
		testContext.Fatalf("unexpected payload frame: type=%d data=%q", messageType, payload)
	}
}

// dialSync connects to the sync endpoint and completes the handshake.
func dialSync(testContext *testing.T, url, token, vaultID string) *websocket.Conn {
	testContext.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		testContext.Fatalf("failed to dial sync endpoint: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		testContext.Fatalf("failed to set read deadline: %v", err)
	}

	mustWriteJSON(testContext, conn, map[string]any{
		"token":   token,
		"id":      vaultID,
		"keyhash": vaultKeyHash,
		"version": 0,
	})
	if greeting := readJSON(testContext, conn); greeting["res"] != "ok" {
		testContext.Fatalf("unexpected handshake greeting: %v", greeting)
	}
	if ready := readJSON(testContext, conn); ready["op"] != "ready" {
		testContext.Fatalf("unexpected handshake ready frame: %v", ready)
	}
	return conn
}

func mustPost(testContext *testing.T, url string, payload any, out any) {
	testContext.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("failed to encode request: %v", err)
	}
	resp, err := http.Post(url, jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("request to %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status from %s: %d", url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			testContext.Fatalf("failed to decode response from %s: %v", url, err)
		}
	}
}

func mustWriteJSON(testContext *testing.T, conn *websocket.Conn, frame map[string]any) {
	testContext.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		testContext.Fatalf("failed to write frame: %v", err)
	}
}

func readJSON(testContext *testing.T, conn *websocket.Conn) map[string]any {
	testContext.Helper()
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		testContext.Fatalf("failed to read frame: %v", err)
	}
	return frame
}
