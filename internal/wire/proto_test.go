package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewResultResponseSetsExactlyResult(t *testing.T) {
	resp, err := NewResultResponse("req-1", SetResult{Collection: "c", Key: "k"})
	if err != nil {
		t.Fatalf("NewResultResponse: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("expected no error on a result response, got %q", resp.Error)
	}
	if resp.ID != "req-1" {
		t.Fatalf("expected id to round-trip, got %q", resp.ID)
	}

	var got SetResult
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got.Collection != "c" || got.Key != "k" {
		t.Fatalf("unexpected result payload: %+v", got)
	}
}

func TestNewErrorResponseSetsExactlyError(t *testing.T) {
	resp := NewErrorResponse("req-2", errors.New("boom"))
	if resp.Error != "boom" {
		t.Fatalf("expected error message %q, got %q", "boom", resp.Error)
	}
	if len(resp.Result) != 0 {
		t.Fatalf("expected no result on an error response, got %q", resp.Result)
	}
}

func TestHandshakeFrameFactoriesTagTheirType(t *testing.T) {
	hello := NewHelloClientFrame("tok")
	if hello.Type != FrameHello {
		t.Fatalf("expected hello client frame type %q, got %q", FrameHello, hello.Type)
	}

	serverHello := NewHelloServerFrame("channel_abc")
	if serverHello.Type != FrameHello || serverHello.ChannelID != "channel_abc" {
		t.Fatalf("unexpected server hello frame: %+v", serverHello)
	}

	enc := NewEncryptionFrame("sealed", "iv")
	if enc.Type != FrameEncryption {
		t.Fatalf("expected encryption frame type %q, got %q", FrameEncryption, enc.Type)
	}

	errFrame := NewErrorFrame("nope")
	if errFrame.Type != FrameError || errFrame.Error != "nope" {
		t.Fatalf("unexpected error frame: %+v", errFrame)
	}
}
