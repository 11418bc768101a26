package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xcnick/ob-sync/internal/files"
	"github.com/xcnick/ob-sync/internal/vault"
)

// catchUpDevice is the device tag sync clients expect on server-originated
// catch-up push frames.
const catchUpDevice = "insignificantv5"

const outboundBufferSize = 16

var (
	errSessionClosed  = errors.New("server: session closed")
	errSendBufferFull = errors.New("server: send buffer full")
)

// Conn is the duplex frame connection a session runs over. Implemented by
// *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// TokenValidator resolves a bearer token to an account email.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// VaultDirectory is the slice of the vault service a session consumes.
type VaultDirectory interface {
	GetVault(ctx context.Context, id, keyhash string) (vault.Vault, error)
	HasAccess(ctx context.Context, vaultID, email string) (bool, error)
	SetVaultVersion(ctx context.Context, id string, version int64) error
}

// RevisionStore is the slice of the file version store a session consumes.
type RevisionStore interface {
	InsertMetadata(ctx context.Context, revision files.Revision) (string, error)
	InsertData(ctx context.Context, id string, data []byte) error
	DeleteFile(ctx context.Context, vaultID, path string) error
	GetFile(ctx context.Context, id string) (files.Revision, error)
	GetVaultFiles(ctx context.Context, vaultID string) ([]files.Revision, error)
	GetFileHistory(ctx context.Context, vaultID, path string) ([]files.Revision, error)
	GetDeletedFiles(ctx context.Context, vaultID string) ([]files.Revision, error)
	GetVaultSize(ctx context.Context, vaultID string) (int64, error)
	RestoreFile(ctx context.Context, id string) (files.Revision, error)
	Snapshot(ctx context.Context, vaultID string) error
}

// SessionConfig describes the collaborators of one sync session.
type SessionConfig struct {
	Conn         Conn
	Tokens       TokenValidator
	Vaults       VaultDirectory
	Files        RevisionStore
	Rooms        *RoomRegistry
	StorageLimit int64
	Logger       *zap.Logger
}

// Session is the per-connection sync state machine: handshake, catch-up
// replay, then a strictly ordered command loop. It lives exactly as long as
// its transport connection.
type Session struct {
	conn         Conn
	tokens       TokenValidator
	vaults       VaultDirectory
	files        RevisionStore
	rooms        *RoomRegistry
	storageLimit int64
	logger       *zap.Logger

	vaultID       string
	vaultVersion  int64
	versionBumped bool
	joined        bool

	closeOnce  sync.Once
	closed     chan struct{}
	outbound   chan interface{}
	writerDone chan struct{}
}

// NewSession constructs a session over an accepted connection.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		conn:         cfg.Conn,
		tokens:       cfg.Tokens,
		vaults:       cfg.Vaults,
		files:        cfg.Files,
		rooms:        cfg.Rooms,
		storageLimit: cfg.StorageLimit,
		logger:       logger,
		closed:       make(chan struct{}),
		outbound:     make(chan interface{}, outboundBufferSize),
		writerDone:   make(chan struct{}),
	}
}

// Run drives the session to completion. It returns when the transport
// closes or the protocol reaches a terminal error; teardown always leaves
// the room and compacts the vault.
func (s *Session) Run(ctx context.Context) {
	go s.writePump()
	defer s.teardown()

	if !s.handshake(ctx) {
		return
	}
	s.commandLoop(ctx)
}

// Send enqueues a frame for delivery without blocking. Used by the room
// registry to fan out broadcasts; a full buffer or closed session reports
// an error so the registry can drop this member. It must never wait, even
// while the session's own enqueue path is parked on a full buffer.
func (s *Session) Send(frame interface{}) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.closed:
		return errSessionClosed
	default:
		return errSendBufferFull
	}
}

// enqueue queues a frame from the session's own command loop. Unlike Send
// it waits for buffer space: the session's own responses are never dropped.
// A closing session abandons the frame instead of parking forever.
func (s *Session) enqueue(frame interface{}) {
	select {
	case s.outbound <- frame:
	case <-s.closed:
	}
}

// writePump is the sole writer on the connection. Byte slices go out as
// binary frames, everything else as JSON. After a write error it keeps
// draining so enqueuers never block on a dead connection; on close it
// flushes whatever is already queued before exiting.
func (s *Session) writePump() {
	defer close(s.writerDone)
	var failed bool
	write := func(item interface{}) {
		if failed {
			return
		}
		var err error
		switch payload := item.(type) {
		case []byte:
			err = s.conn.WriteMessage(websocket.BinaryMessage, payload)
		default:
			err = s.conn.WriteJSON(item)
		}
		if err != nil {
			s.logger.Debug("session write failed", zap.Error(err))
			failed = true
		}
	}
	for {
		select {
		case item := <-s.outbound:
			write(item)
		case <-s.closed:
			for {
				select {
				case item := <-s.outbound:
					write(item)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) teardown() {
	if s.joined {
		s.rooms.Leave(s.vaultID, s)
		// Compaction runs once per session end, clean close or not.
		if err := s.files.Snapshot(context.Background(), s.vaultID); err != nil {
			s.logger.Error("compaction failed",
				zap.String("vault_id", s.vaultID),
				zap.Error(err))
		}
	}

	s.closeOnce.Do(func() { close(s.closed) })
	<-s.writerDone

	if err := s.conn.Close(); err != nil {
		s.logger.Debug("connection close failed", zap.Error(err))
	}
}

// handshake authenticates the device, authorizes it against the vault,
// replays catch-up state when the device is stale, and joins the room.
func (s *Session) handshake(ctx context.Context) bool {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}

	var request handshakeRequest
	if err := json.Unmarshal(data, &request); err != nil {
		s.enqueue(errorFrame{Error: "malformed handshake"})
		return false
	}

	email, err := s.tokens.Validate(request.Token)
	if err != nil {
		s.logger.Warn("handshake token rejected", zap.Error(err))
		s.enqueue(errorFrame{Error: "invalid token"})
		return false
	}

	connected, err := s.vaults.GetVault(ctx, request.ID, request.KeyHash)
	if err != nil {
		s.logger.Warn("handshake vault lookup failed",
			zap.String("vault_id", request.ID),
			zap.Error(err))
		s.enqueue(errorFrame{Error: "invalid vault credentials"})
		return false
	}

	allowed, err := s.vaults.HasAccess(ctx, connected.ID, email)
	if err != nil || !allowed {
		s.logger.Warn("handshake access denied",
			zap.String("vault_id", connected.ID),
			zap.String("email", email))
		s.enqueue(errorFrame{Error: "no access to vault"})
		return false
	}

	s.vaultID = connected.ID
	s.vaultVersion = connected.Version

	s.enqueue(okFrame{Res: "ok"})

	// Stale device: replay the whole current working set. Version numbers
	// are a staleness signal, not a replay cursor.
	if connected.Version > request.Version {
		working, err := s.files.GetVaultFiles(ctx, connected.ID)
		if err != nil {
			s.logger.Error("catch-up query failed", zap.Error(err))
			s.enqueue(errorFrame{Error: "catch-up failed"})
			return false
		}
		for _, revision := range working {
			s.enqueue(newPushFrame(revision, catchUpDevice))
		}
	}

	s.enqueue(readyFrame{Op: "ready", Version: s.vaultVersion})

	// Device made offline progress: adopt its version.
	if request.Version > s.vaultVersion {
		if err := s.vaults.SetVaultVersion(ctx, connected.ID, request.Version); err != nil {
			s.logger.Error("version adoption failed", zap.Error(err))
			return false
		}
		s.vaultVersion = request.Version
	}

	s.rooms.Join(connected.ID, s)
	s.joined = true
	s.logger.Info("session ready",
		zap.String("vault_id", connected.ID),
		zap.String("email", email),
		zap.Int64("version", s.vaultVersion))
	return true
}

// commandLoop processes one operation per inbound frame, strictly in
// arrival order for this connection.
func (s *Session) commandLoop(ctx context.Context) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.BinaryMessage {
			s.logger.Warn("ignoring unexpected binary frame", zap.String("vault_id", s.vaultID))
			continue
		}

		operation, err := decodeClientOp(data)
		if err != nil {
			s.logger.Warn("ignoring unrecognized frame",
				zap.String("vault_id", s.vaultID),
				zap.Error(err))
			continue
		}

		if !s.dispatch(ctx, operation) {
			return
		}
	}
}

// dispatch handles one operation; a false return closes the connection.
func (s *Session) dispatch(ctx context.Context, operation clientOp) bool {
	switch frame := operation.(type) {
	case sizeOp:
		return s.handleSize(ctx)
	case pingOp:
		s.enqueue(ackFrame{Op: "pong"})
		return true
	case pullOp:
		return s.handlePull(ctx, frame)
	case pushOp:
		return s.handlePush(ctx, frame)
	case historyOp:
		return s.handleHistory(ctx, frame)
	case deletedOp:
		return s.handleDeleted(ctx)
	case restoreOp:
		return s.handleRestore(ctx, frame)
	default:
		s.logger.Warn("unhandled operation", zap.String("op", operation.opName()))
		return true
	}
}

func (s *Session) handleSize(ctx context.Context) bool {
	total, err := s.files.GetVaultSize(ctx, s.vaultID)
	if err != nil {
		s.logger.Error("size query failed", zap.Error(err))
		s.enqueue(errorFrame{Error: "size unavailable"})
		return false
	}
	s.enqueue(sizeFrame{Res: "ok", Size: total, Limit: s.storageLimit})
	return true
}

func (s *Session) handlePull(ctx context.Context, frame pullOp) bool {
	if frame.UID == "" {
		s.enqueue(errorFrame{Error: "uid is required"})
		return false
	}

	revision, err := s.files.GetFile(ctx, frame.UID)
	if err != nil {
		s.logger.Warn("pull failed",
			zap.String("uid", frame.UID),
			zap.Error(err))
		s.enqueue(errorFrame{Error: "file not found"})
		return false
	}

	pieces := 0
	if revision.Size != 0 {
		pieces = 1
	}
	s.enqueue(pullFrame{Hash: revision.Hash, Size: revision.Size, Pieces: pieces})
	if revision.Size != 0 {
		s.enqueue(revision.Data)
	}
	return true
}

func (s *Session) handlePush(ctx context.Context, frame pushOp) bool {
	if frame.Path == "" {
		s.enqueue(errorFrame{Error: "path is required"})
		return false
	}

	uid := frame.UID
	if frame.Deleted {
		// Deletion reuses the existing revision line; no new id is minted.
		if err := s.files.DeleteFile(ctx, s.vaultID, frame.Path); err != nil {
			s.logger.Error("delete failed", zap.String("path", frame.Path), zap.Error(err))
			s.enqueue(errorFrame{Error: "delete failed"})
			return false
		}
	} else {
		newUID, err := s.files.InsertMetadata(ctx, files.Revision{
			VaultID:   s.vaultID,
			Path:      frame.Path,
			Hash:      frame.Hash,
			Extension: frame.Extension,
			Size:      frame.Size,
			Created:   frame.Created,
			Modified:  frame.Modified,
			Folder:    frame.Folder,
		})
		if err != nil {
			s.logger.Error("metadata insert failed", zap.String("path", frame.Path), zap.Error(err))
			s.enqueue(errorFrame{Error: "push failed"})
			return false
		}
		uid = newUID

		if frame.Size > 0 {
			payload, ok := s.receiveChunks(frame.Pieces)
			if !ok {
				return false
			}
			if err := s.files.InsertData(ctx, uid, payload); err != nil {
				s.logger.Error("payload insert failed", zap.String("uid", uid), zap.Error(err))
				s.enqueue(errorFrame{Error: "push failed"})
				return false
			}
		}
	}

	s.rooms.Broadcast(s.vaultID, pushFrame{
		Op:        opPush,
		Path:      frame.Path,
		Hash:      frame.Hash,
		Extension: frame.Extension,
		Size:      frame.Size,
		Created:   frame.Created,
		Modified:  frame.Modified,
		Folder:    frame.Folder,
		Deleted:   frame.Deleted,
		UID:       uid,
	})

	// The first push of the connection bumps the vault version; an
	// arbitrarily long burst of changes from one device collapses into a
	// single version increment.
	if !s.versionBumped {
		if err := s.vaults.SetVaultVersion(ctx, s.vaultID, s.vaultVersion+1); err != nil {
			s.logger.Error("version bump failed", zap.Error(err))
			return false
		}
		s.vaultVersion++
		s.versionBumped = true
	}

	s.enqueue(ackFrame{Op: "ok"})
	return true
}

// receiveChunks runs the chunked-transfer sub-protocol: one next-frame
// request and one binary frame per declared piece, concatenated in arrival
// order. There is no partial-failure resume; a dropped connection leaves a
// metadata-only revision for compaction to repair.
func (s *Session) receiveChunks(pieces int) ([]byte, bool) {
	var payload []byte
	for i := 0; i < pieces; i++ {
		s.enqueue(nextFrame{Op: "next"})
		messageType, chunk, err := s.conn.ReadMessage()
		if err != nil {
			return nil, false
		}
		if messageType != websocket.BinaryMessage {
			s.logger.Warn("expected binary chunk",
				zap.String("vault_id", s.vaultID),
				zap.Int("piece", i))
			return nil, false
		}
		payload = append(payload, chunk...)
	}
	return payload, true
}

func (s *Session) handleHistory(ctx context.Context, frame historyOp) bool {
	if frame.Path == "" {
		s.enqueue(errorFrame{Error: "path is required"})
		return false
	}

	revisions, err := s.files.GetFileHistory(ctx, s.vaultID, frame.Path)
	if err != nil {
		s.logger.Error("history query failed", zap.Error(err))
		s.enqueue(errorFrame{Error: "history unavailable"})
		return false
	}
	if len(revisions) == 0 {
		s.enqueue(errorFrame{Error: "file not found"})
		return false
	}

	items := make([]revisionItem, 0, len(revisions))
	for _, revision := range revisions {
		items = append(items, newRevisionItem(revision))
	}
	s.enqueue(historyFrame{Items: items, More: false})
	return true
}

func (s *Session) handleDeleted(ctx context.Context) bool {
	revisions, err := s.files.GetDeletedFiles(ctx, s.vaultID)
	if err != nil {
		s.logger.Error("tombstone query failed", zap.Error(err))
		s.enqueue(errorFrame{Error: "deleted files unavailable"})
		return false
	}
	if len(revisions) == 0 {
		s.enqueue(errorFrame{Error: "no deleted files"})
		return false
	}

	items := make([]revisionItem, 0, len(revisions))
	for _, revision := range revisions {
		items = append(items, newRevisionItem(revision))
	}
	s.enqueue(deletedFrame{Items: items})
	return true
}

func (s *Session) handleRestore(ctx context.Context, frame restoreOp) bool {
	if frame.UID == "" {
		s.enqueue(errorFrame{Error: "uid is required"})
		return false
	}

	restored, err := s.files.RestoreFile(ctx, frame.UID)
	if err != nil {
		s.logger.Warn("restore failed",
			zap.String("uid", frame.UID),
			zap.Error(err))
		s.enqueue(errorFrame{Error: "file not found"})
		return false
	}

	s.rooms.Broadcast(s.vaultID, newPushFrame(restored, ""))
	s.enqueue(okFrame{Res: "ok"})
	return true
}
