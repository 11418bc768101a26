package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/xcnick/ob-sync/internal/files"
)

func TestDecodeClientOpPush(t *testing.T) {
	data := []byte(`{"op":"push","path":"/a.md","hash":"h1","extension":"md","size":5,"ctime":100,"mtime":200,"folder":false,"deleted":false,"pieces":1}`)

	operation, err := decodeClientOp(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	push, ok := operation.(pushOp)
	if !ok {
		t.Fatalf("expected pushOp, got %T", operation)
	}
	if push.Path != "/a.md" || push.Size != 5 || push.Created != 100 || push.Modified != 200 || push.Pieces != 1 {
		t.Fatalf("unexpected decoded push: %#v", push)
	}
}

func TestDecodeClientOpPull(t *testing.T) {
	operation, err := decodeClientOp([]byte(`{"op":"pull","uid":"rev-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pull, ok := operation.(pullOp)
	if !ok {
		t.Fatalf("expected pullOp, got %T", operation)
	}
	if pull.UID != "rev-1" {
		t.Fatalf("unexpected uid: %q", pull.UID)
	}
}

func TestDecodeClientOpBareOps(t *testing.T) {
	for _, name := range []string{opSize, opPing, opDeleted} {
		operation, err := decodeClientOp([]byte(`{"op":"` + name + `"}`))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", name, err)
		}
		if operation.opName() != name {
			t.Fatalf("expected op %q, got %q", name, operation.opName())
		}
	}
}

func TestDecodeClientOpUnknown(t *testing.T) {
	if _, err := decodeClientOp([]byte(`{"op":"teleport"}`)); !errors.Is(err, errUnknownOperation) {
		t.Fatalf("expected errUnknownOperation, got %v", err)
	}
}

func TestDecodeClientOpMalformed(t *testing.T) {
	if _, err := decodeClientOp([]byte(`not json`)); !errors.Is(err, errMalformedFrame) {
		t.Fatalf("expected errMalformedFrame, got %v", err)
	}
}

func TestPushFrameWireShape(t *testing.T) {
	frame := newPushFrame(files.Revision{
		ID:       "rev-1",
		Path:     "/a.md",
		Hash:     "h1",
		Size:     5,
		Created:  100,
		Modified: 200,
	}, catchUpDevice)

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"op", "path", "hash", "size", "ctime", "mtime", "folder", "deleted", "device", "uid"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("expected key %q in push frame, got %v", key, decoded)
		}
	}
	if decoded["op"] != "push" || decoded["uid"] != "rev-1" {
		t.Fatalf("unexpected push frame: %v", decoded)
	}
}

func TestPushFrameOmitsEmptyDevice(t *testing.T) {
	data, err := json.Marshal(newPushFrame(files.Revision{ID: "rev-1"}, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := decoded["device"]; ok {
		t.Fatalf("expected device to be omitted, got %v", decoded)
	}
}
