package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xcnick/ob-sync/internal/files"
	"github.com/xcnick/ob-sync/internal/vault"
)

var (
	errMissingVaultService = errors.New("vault service dependency required")
	errMissingFileStore    = errors.New("file store dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingRoomRegistry = errors.New("room registry dependency required")
)

const licenseValidity = 365 * 24 * time.Hour

// TokenIssuer issues bearer tokens for authenticated accounts.
type TokenIssuer interface {
	TokenValidator
	Issue(email string) (string, error)
}

// Dependencies wires the HTTP surface to the sync core.
type Dependencies struct {
	Vaults       *vault.Service
	Files        *files.Store
	Tokens       TokenIssuer
	Rooms        *RoomRegistry
	StorageLimit int64
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router: account and vault management over
// plain HTTP, plus the websocket upgrade endpoints for sync sessions.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Vaults == nil {
		return nil, errMissingVaultService
	}
	if deps.Files == nil {
		return nil, errMissingFileStore
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		vaults:       deps.Vaults,
		files:        deps.Files,
		tokens:       deps.Tokens,
		rooms:        deps.Rooms,
		storageLimit: deps.StorageLimit,
		logger:       logger,
	}

	user := router.Group("/user")
	user.POST("/signup", handler.handleSignup)
	user.POST("/signin", handler.handleSignin)
	user.POST("/signout", handler.handleSignout)
	user.POST("/info", handler.handleUserInfo)

	vaults := router.Group("/vault")
	vaults.POST("/list", handler.handleVaultList)
	vaults.POST("/create", handler.handleVaultCreate)
	vaults.POST("/delete", handler.handleVaultDelete)
	vaults.POST("/share", handler.handleVaultShare)
	vaults.POST("/revoke", handler.handleVaultRevoke)

	router.POST("/subscription/list", handler.handleSubscriptionList)

	// Sync clients connect to any of these paths.
	for _, path := range []string{"/", "/ws", "/ws.obsidian.md"} {
		router.GET(path, handler.handleSync)
	}

	return router, nil
}

type httpHandler struct {
	vaults       *vault.Service
	files        *files.Store
	tokens       TokenIssuer
	rooms        *RoomRegistry
	storageLimit int64
	logger       *zap.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h *httpHandler) handleSync(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := NewSession(SessionConfig{
		Conn:         conn,
		Tokens:       h.tokens,
		Vaults:       h.vaults,
		Files:        h.files,
		Rooms:        h.rooms,
		StorageLimit: h.storageLimit,
		Logger:       h.logger,
	})
	session.Run(c.Request.Context())
}

type signupPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request signupPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.vaults.Signup(c.Request.Context(), request.Name, request.Email, request.Password)
	if err != nil {
		h.logger.Error("signup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": account.Email, "name": account.Name})
}

type signinPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signinResponse struct {
	Email   string `json:"email"`
	License string `json:"license"`
	Name    string `json:"name"`
	Token   string `json:"token"`
}

func (h *httpHandler) handleSignin(c *gin.Context) {
	var request signinPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.vaults.Login(c.Request.Context(), request.Email, request.Password)
	if errors.Is(err, vault.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}
	if err != nil {
		h.logger.Error("signin failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signin_failed"})
		return
	}

	token, err := h.tokens.Issue(account.Email)
	if err != nil {
		h.logger.Error("token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, signinResponse{
		Email:   account.Email,
		License: account.License,
		Name:    account.Name,
		Token:   token,
	})
}

func (h *httpHandler) handleSignout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{})
}

type tokenPayload struct {
	Token string `json:"token"`
}

// requireEmail resolves the token field of a request body to an account
// email, writing the error response itself on failure.
func (h *httpHandler) requireEmail(c *gin.Context, token string) (string, bool) {
	email, err := h.tokens.Validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return "", false
	}
	return email, true
}

func (h *httpHandler) handleUserInfo(c *gin.Context) {
	var request tokenPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	email, ok := h.requireEmail(c, request.Token)
	if !ok {
		return
	}

	account, err := h.vaults.UserInfo(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"uid":     uuid.NewString(),
		"email":   account.Email,
		"name":    account.Name,
		"payment": "",
		"license": account.License,
		"credit":  0,
		"mfa":     false,
		"discount": gin.H{
			"status":    "approved",
			"expiry_ts": time.Now().Add(licenseValidity).UnixMilli(),
			"type":      "education",
		},
	})
}

func (h *httpHandler) handleSubscriptionList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"business": "",
		"publish":  "",
		"sync": gin.H{
			"earlybird": false,
			"expiry_ts": time.Now().Add(licenseValidity).UnixMilli(),
			"renew":     "",
		},
	})
}

type vaultInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Created int64  `json:"created"`
	Host    string `json:"host"`
	Version int64  `json:"version"`
	Salt    string `json:"salt"`
}

func newVaultInfo(v vault.Vault) vaultInfo {
	return vaultInfo{
		ID:      v.ID,
		Name:    v.Name,
		Created: v.Created,
		Host:    v.Host,
		Version: v.Version,
		Salt:    v.Salt,
	}
}

func (h *httpHandler) handleVaultList(c *gin.Context) {
	var request tokenPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	email, ok := h.requireEmail(c, request.Token)
	if !ok {
		return
	}

	owned, err := h.vaults.GetVaults(c.Request.Context(), email)
	if err != nil {
		h.logger.Error("vault list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "vault_list_failed"})
		return
	}
	shared, err := h.vaults.SharedVaults(c.Request.Context(), email)
	if err != nil {
		h.logger.Error("shared vault list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "vault_list_failed"})
		return
	}

	ownedInfos := make([]vaultInfo, 0, len(owned))
	for _, v := range owned {
		ownedInfos = append(ownedInfos, newVaultInfo(v))
	}
	sharedInfos := make([]vaultInfo, 0, len(shared))
	for _, v := range shared {
		sharedInfos = append(sharedInfos, newVaultInfo(v))
	}
	c.JSON(http.StatusOK, gin.H{"vaults": ownedInfos, "shared": sharedInfos})
}

type vaultCreatePayload struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Salt     string `json:"salt"`
	KeyHash  string `json:"keyhash"`
}

func (h *httpHandler) handleVaultCreate(c *gin.Context) {
	var request vaultCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	email, ok := h.requireEmail(c, request.Token)
	if !ok {
		return
	}

	created, err := h.vaults.CreateVault(c.Request.Context(), request.Name, email, request.Password, request.Salt, request.KeyHash)
	if err != nil {
		h.logger.Error("vault create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "vault_create_failed"})
		return
	}
	c.JSON(http.StatusOK, newVaultInfo(created))
}

type vaultDeletePayload struct {
	Token    string `json:"token"`
	VaultUID string `json:"vault_uid"`
}

func (h *httpHandler) handleVaultDelete(c *gin.Context) {
	var request vaultDeletePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.VaultUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	email, ok := h.requireEmail(c, request.Token)
	if !ok {
		return
	}

	err := h.vaults.DeleteVault(c.Request.Context(), request.VaultUID, email)
	if errors.Is(err, vault.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "vault not found"})
		return
	}
	if err != nil {
		h.logger.Error("vault delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "vault_delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type vaultSharePayload struct {
	Token    string `json:"token"`
	VaultUID string `json:"vault_uid"`
	Email    string `json:"email"`
	Name     string `json:"name"`
}

func (h *httpHandler) handleVaultShare(c *gin.Context) {
	var request vaultSharePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.VaultUID == "" || request.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	email, ok := h.requireEmail(c, request.Token)
	if !ok {
		return
	}

	owner, err := h.vaults.IsVaultOwner(c.Request.Context(), request.VaultUID, email)
	if err != nil || !owner {
		c.JSON(http.StatusForbidden, gin.H{"error": "not vault owner"})
		return
	}

	share, err := h.vaults.ShareInvite(c.Request.Context(), request.Email, request.Name, request.VaultUID)
	if err != nil {
		h.logger.Error("share invite failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "share_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": share.ID, "email": share.Email, "vault_id": share.VaultID})
}

type vaultRevokePayload struct {
	Token    string `json:"token"`
	VaultUID string `json:"vault_uid"`
	ShareUID string `json:"share_uid"`
	Email    string `json:"email"`
}

func (h *httpHandler) handleVaultRevoke(c *gin.Context) {
	var request vaultRevokePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.VaultUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	email, ok := h.requireEmail(c, request.Token)
	if !ok {
		return
	}

	owner, err := h.vaults.IsVaultOwner(c.Request.Context(), request.VaultUID, email)
	if err != nil || !owner {
		c.JSON(http.StatusForbidden, gin.H{"error": "not vault owner"})
		return
	}

	removed, err := h.vaults.ShareRevoke(c.Request.Context(), request.ShareUID, request.VaultUID, request.Email)
	if err != nil {
		h.logger.Error("share revoke failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
