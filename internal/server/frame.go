package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xcnick/ob-sync/internal/files"
)

// Steady-state operation names accepted on a sync connection.
const (
	opSize    = "size"
	opPull    = "pull"
	opPush    = "push"
	opHistory = "history"
	opPing    = "ping"
	opDeleted = "deleted"
	opRestore = "restore"
)

var (
	errMalformedFrame   = errors.New("server: malformed frame")
	errUnknownOperation = errors.New("server: unknown operation")
)

// handshakeRequest is the first frame a device sends after connecting.
// Version is the vault version the device last saw.
type handshakeRequest struct {
	Token   string `json:"token"`
	ID      string `json:"id"`
	KeyHash string `json:"keyhash"`
	Version int64  `json:"version"`
}

// clientOp is the tagged union of steady-state client frames, one concrete
// struct per operation.
type clientOp interface {
	opName() string
}

type sizeOp struct{}

func (sizeOp) opName() string { return opSize }

type pingOp struct{}

func (pingOp) opName() string { return opPing }

type deletedOp struct{}

func (deletedOp) opName() string { return opDeleted }

type pullOp struct {
	UID string `json:"uid"`
}

func (pullOp) opName() string { return opPull }

type restoreOp struct {
	UID string `json:"uid"`
}

func (restoreOp) opName() string { return opRestore }

type historyOp struct {
	Path string `json:"path"`
}

func (historyOp) opName() string { return opHistory }

type pushOp struct {
	UID       string `json:"uid"`
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	Extension string `json:"extension"`
	Size      int64  `json:"size"`
	Created   int64  `json:"ctime"`
	Modified  int64  `json:"mtime"`
	Folder    bool   `json:"folder"`
	Deleted   bool   `json:"deleted"`
	Pieces    int    `json:"pieces"`
}

func (pushOp) opName() string { return opPush }

// decodeClientOp decodes a steady-state frame into its concrete operation
// struct, keyed by the op field.
func decodeClientOp(data []byte) (clientOp, error) {
	var envelope struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}

	switch envelope.Op {
	case opSize:
		return sizeOp{}, nil
	case opPing:
		return pingOp{}, nil
	case opDeleted:
		return deletedOp{}, nil
	case opPull:
		var frame pullOp
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		return frame, nil
	case opRestore:
		var frame restoreOp
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		return frame, nil
	case opHistory:
		var frame historyOp
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		return frame, nil
	case opPush:
		var frame pushOp
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		return frame, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownOperation, envelope.Op)
	}
}

// Server-to-client frames.

type errorFrame struct {
	Error string `json:"error"`
}

type okFrame struct {
	Res string `json:"res"`
}

type ackFrame struct {
	Op string `json:"op"`
}

type readyFrame struct {
	Op      string `json:"op"`
	Version int64  `json:"version"`
}

type nextFrame struct {
	Op string `json:"op"`
}

type sizeFrame struct {
	Res   string `json:"res"`
	Size  int64  `json:"size"`
	Limit int64  `json:"limit"`
}

type pullFrame struct {
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
	Pieces int    `json:"pieces"`
}

// pushFrame carries revision metadata to devices, both as catch-up replay
// during the handshake and as change broadcasts to sibling sessions.
type pushFrame struct {
	Op        string `json:"op"`
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	Extension string `json:"extension"`
	Size      int64  `json:"size"`
	Created   int64  `json:"ctime"`
	Modified  int64  `json:"mtime"`
	Folder    bool   `json:"folder"`
	Deleted   bool   `json:"deleted"`
	Device    string `json:"device,omitempty"`
	UID       string `json:"uid"`
}

type historyFrame struct {
	Items []revisionItem `json:"items"`
	More  bool           `json:"more"`
}

type deletedFrame struct {
	Items []revisionItem `json:"items"`
}

// revisionItem is revision metadata without the binary payload.
type revisionItem struct {
	UID       string `json:"uid"`
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	Extension string `json:"extension"`
	Size      int64  `json:"size"`
	Created   int64  `json:"ctime"`
	Modified  int64  `json:"mtime"`
	Folder    bool   `json:"folder"`
	Deleted   bool   `json:"deleted"`
}

func newRevisionItem(revision files.Revision) revisionItem {
	return revisionItem{
		UID:       revision.ID,
		Path:      revision.Path,
		Hash:      revision.Hash,
		Extension: revision.Extension,
		Size:      revision.Size,
		Created:   revision.Created,
		Modified:  revision.Modified,
		Folder:    revision.Folder,
		Deleted:   revision.Deleted,
	}
}

func newPushFrame(revision files.Revision, device string) pushFrame {
	return pushFrame{
		Op:        opPush,
		Path:      revision.Path,
		Hash:      revision.Hash,
		Extension: revision.Extension,
		Size:      revision.Size,
		Created:   revision.Created,
		Modified:  revision.Modified,
		Folder:    revision.Folder,
		Deleted:   revision.Deleted,
		Device:    device,
		UID:       revision.ID,
	}
}
