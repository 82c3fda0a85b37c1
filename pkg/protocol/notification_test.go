package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestParsePushNotification(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    PushNotification
		wantErr bool
	}{
		{
			name:  "numeric history id",
			input: `{"emailAddress":"alice@example.com","historyId":12345}`,
			want:  PushNotification{EmailAddress: "alice@example.com", HistoryID: 12345},
		},
		{
			name:  "string history id",
			input: `{"emailAddress":"alice@example.com","historyId":"9876543210"}`,
			want:  PushNotification{EmailAddress: "alice@example.com", HistoryID: 9876543210},
		},
		{
			name:    "missing email",
			input:   `{"historyId":1}`,
			wantErr: true,
		},
		{
			name:    "missing history id",
			input:   `{"emailAddress":"alice@example.com"}`,
			wantErr: true,
		},
		{
			name:    "non-numeric history id",
			input:   `{"emailAddress":"alice@example.com","historyId":"abc"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePushNotification([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedTrigger) {
					t.Fatalf("err = %v, want ErrMalformedTrigger", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPushEnvelopeDecodesData(t *testing.T) {
	inner := `{"emailAddress":"alice@example.com","historyId":"42"}`
	body := `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(inner)) +
		`","messageId":"m-1","publishTime":"2026-01-02T03:04:05Z"},"subscription":"projects/p/subscriptions/s"}`

	var env PushEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Message.MessageID != "m-1" {
		t.Errorf("messageId = %q, want m-1", env.Message.MessageID)
	}

	n, err := ParsePushNotification(env.Message.Data)
	if err != nil {
		t.Fatalf("parse data: %v", err)
	}
	if n.HistoryID != 42 {
		t.Errorf("historyId = %d, want 42", n.HistoryID)
	}
}

func TestMessageEventWireFormat(t *testing.T) {
	data, err := json.Marshal(MessageEvent{ID: "1", UserEmail: "u@example.com", Subject: "s", From: "f", Body: "b"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"1","user_email":"u@example.com","subject":"s","from":"f","body":"b"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}
