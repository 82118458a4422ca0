package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid authenticate", Envelope{V: Version, Type: TypeAuthenticate}, false},
		{"valid new-message", Envelope{V: Version, Type: TypeNewMessage}, false},
		{"missing version", Envelope{Type: TypeAuthenticate}, true},
		{"wrong version", Envelope{V: "v2", Type: TypeAuthenticate}, true},
		{"missing type", Envelope{V: Version}, true},
		{"unknown type", Envelope{V: Version, Type: "self-destruct"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(JoinConversationPayload{ConversationKey: "1_2"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	in := Envelope{V: Version, Type: TypeJoinConversation, ID: "01H", TS: time.Now().UTC(), Payload: payload}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var out Envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	var join JoinConversationPayload
	if err := json.Unmarshal(out.Payload, &join); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if join.ConversationKey != "1_2" {
		t.Fatalf("conversation key = %q", join.ConversationKey)
	}
}
