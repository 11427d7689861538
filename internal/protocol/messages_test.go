package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageTextIn(t *testing.T) {
	raw := []byte(`{"type":"textin","session_id":"s1","id":"m1","text":"hello there"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	text, ok := msg.(TextIn)
	if !ok {
		t.Fatalf("message type = %T, want TextIn", msg)
	}
	if text.SessionID != "s1" || text.Text != "hello there" {
		t.Fatalf("unexpected textin: %+v", text)
	}
}

func TestParseClientMessageRejectsEmptyText(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"textin","text":"  "}`)); err == nil {
		t.Fatalf("ParseClientMessage() expected error for empty text")
	}
}

func TestParseClientMessageAudioIn(t *testing.T) {
	raw := []byte(`{"type":"audioin","session_id":"s1","seq":3,"format":"pcm16","sample_rate":16000,"audio_base64":"AQID"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	audio, ok := msg.(AudioIn)
	if !ok {
		t.Fatalf("message type = %T, want AudioIn", msg)
	}
	if audio.Seq != 3 || audio.SampleRate != 16000 {
		t.Fatalf("unexpected audioin: %+v", audio)
	}
}

func TestParseClientMessageRejectsServerTypes(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"textout","text":"hi"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseServerMessageVariants(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"type":"textout","text":"hi","final":true}`, "TextOut"},
		{`{"type":"audioout","seq":1,"format":"mp3","audio_base64":"AA=="}`, "AudioOut"},
		{`{"type":"avatarTalking","talking":true}`, "AvatarTalking"},
		{`{"type":"error","code":"rate_limited","message":"slow down","retryable":true}`, "ErrorEvent"},
		{`{"type":"pong","ts_ms":42}`, "Heartbeat"},
	}
	for _, tc := range cases {
		msg, err := ParseServerMessage([]byte(tc.raw))
		if err != nil {
			t.Fatalf("ParseServerMessage(%s) error = %v", tc.raw, err)
		}
		var got string
		switch msg.(type) {
		case TextOut:
			got = "TextOut"
		case AudioOut:
			got = "AudioOut"
		case AvatarTalking:
			got = "AvatarTalking"
		case ErrorEvent:
			got = "ErrorEvent"
		case Heartbeat:
			got = "Heartbeat"
		}
		if got != tc.want {
			t.Fatalf("ParseServerMessage(%s) = %T, want %s", tc.raw, msg, tc.want)
		}
	}
}

func TestParseServerMessageErrorEvent(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"type":"error","code":"session_ended","message":"bye"}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	evt := msg.(ErrorEvent)
	if evt.Error() != "session_ended: bye" {
		t.Fatalf("Error() = %q", evt.Error())
	}
}

func TestParseServerMessageRejectsGarbage(t *testing.T) {
	if _, err := ParseServerMessage([]byte(`not json`)); err == nil {
		t.Fatalf("ParseServerMessage() expected error")
	}
	if _, err := ParseServerMessage([]byte(`{"type":"wat"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}
