package command

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/collabd/internal/protocol/frame"
	"github.com/danmuck/collabd/internal/protocol/schema"
	"github.com/danmuck/collabd/internal/testutil/testlog"
)

func fullStartCmd() StartCmd {
	return StartCmd{
		ProtocolVersion: 1,
		AppVersion:      1002003,
		Token:           "dev-a_5f0c",
		SrcSessionID:    11,
		SrcPid:          4120,
		SrcUid:          20010044,
		SrcAccessToken:  0xCAFE,
		SrcDeviceID:     "dev-a",
		SinkDeviceID:    "dev-b",
		SrcBundleName:   "com.example.notes",
		SinkBundleName:  "com.example.notes",
		SrcAbilityName:  "EditorAbility",
		SinkAbilityName: "ViewerAbility",
		SrcModuleName:   "entry",
		SinkModuleName:  "entry",
		NeedBulkData:    true,
		NeedOutStream:   false,
		NeedInStream:    true,
		StartParams:     []byte(`{"page":"doc/1"}`),
		MessageParams:   []byte{0x00, 0x01},
		CallerInfo: CallerInfo{
			Pid:         4120,
			Uid:         20010044,
			AccessToken: 0xCAFE,
			AppID:       "com.example.notes_BF1",
			BundleNames: []string{"com.example.notes"},
			DeviceID:    "dev-a",
		},
		AccountInfo: AccountInfo{AccountType: 1, UserID: 100, ActiveID: "acct-1"},
	}
}

func TestStartCmdRoundTrip(t *testing.T) {
	testlog.Start(t)
	cases := map[string]func(*StartCmd){
		"full":              func(*StartCmd) {},
		"no params":         func(c *StartCmd) { c.StartParams, c.MessageParams = nil, nil },
		"empty params":      func(c *StartCmd) { c.StartParams, c.MessageParams = []byte{}, []byte{} },
		"zero caller":       func(c *StartCmd) { c.CallerInfo = CallerInfo{} },
		"zero account":      func(c *StartCmd) { c.AccountInfo = AccountInfo{} },
		"negative ids":      func(c *StartCmd) { c.SrcSessionID, c.SrcPid = -1, -2 },
		"empty bundle list": func(c *StartCmd) { c.CallerInfo.BundleNames = []string{} },
	}
	for name, mutate := range cases {
		in := fullStartCmd()
		mutate(&in)
		b, err := EncodeStartCmd(9, in)
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		out, err := DecodeStartCmd(b)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("%s: round trip mismatch:\n in=%+v\nout=%+v", name, in, out)
		}
	}
}

func TestResultCmdRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, in := range []ResultCmd{
		{Token: "dev-a_1", Result: 0, SinkSessionID: 3, SinkChannelName: "collab.chan.3"},
		{Token: "dev-a_1", Result: 7, RejectReason: "user_declined", SinkSessionID: 3},
		{Token: "dev-a_1", Result: -29360128},
	} {
		b, err := EncodeResultCmd(1, in)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out, err := DecodeResultCmd(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("round trip mismatch: in=%+v out=%+v", in, out)
		}
	}
}

func TestDisconnectCmdRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := DisconnectCmd{Token: "dev-a_1"}
	b, err := EncodeDisconnectCmd(2, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeDisconnectCmd(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: in=%+v out=%+v", in, out)
	}
}

func TestEncodeRejectsMissingToken(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeDisconnectCmd(1, DisconnectCmd{}); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	in := fullStartCmd()
	in.Token = "  "
	if _, err := EncodeStartCmd(1, in); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestPeekRoutesByKindAndToken(t *testing.T) {
	testlog.Start(t)
	b, err := EncodeResultCmd(5, ResultCmd{Token: "dev-a_9"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h, err := Peek(b)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if h.Kind != KindResult || h.Token != "dev-a_9" || h.MessageID != 5 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestPeekRejectsUnknownKind(t *testing.T) {
	testlog.Start(t)
	b, err := frame.Marshal(1, 99, nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Peek(b); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestDecodeKindMismatch(t *testing.T) {
	testlog.Start(t)
	b, err := EncodeDisconnectCmd(1, DisconnectCmd{Token: "dev-a_1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeResultCmd(b); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

func TestDecodeTruncatedIsError(t *testing.T) {
	testlog.Start(t)
	b, err := EncodeResultCmd(1, ResultCmd{Token: "dev-a_1", SinkChannelName: "c"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeResultCmd(b[:len(b)-3]); err == nil {
		t.Fatalf("expected error for truncated buffer")
	}
}

func TestKindString(t *testing.T) {
	if KindStart.String() != "start" || Kind(schema.MsgResultCmd).String() != "result" {
		t.Fatalf("unexpected kind names")
	}
	if Kind(42).String() != "kind(42)" {
		t.Fatalf("unexpected unknown kind name: %s", Kind(42))
	}
}
