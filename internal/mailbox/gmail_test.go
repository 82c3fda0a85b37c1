package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"google.golang.org/api/option"

	"github.com/sekia-ai/mailwatch/internal/credentials"
)

// fakeGmail serves the subset of the Gmail REST API the client uses.
type fakeGmail struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	handle   func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	f.handle(w, r)
}

func (f *fakeGmail) lastRequest() (*http.Request, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.requests)
	return f.requests[n-1], f.bodies[n-1]
}

func newTestGmailClient(t *testing.T, handle func(w http.ResponseWriter, r *http.Request), opts Options) (*GmailClient, *fakeGmail) {
	t.Helper()
	fake := &fakeGmail{handle: handle}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	creds := credentials.Static{
		option.WithEndpoint(srv.URL + "/"),
		option.WithoutAuthentication(),
	}
	return NewGmailClient(creds, opts, zerolog.Nop()), fake
}

func writeAPIError(w http.ResponseWriter, code int, reason, message string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"errors":  []map[string]string{{"reason": reason, "message": message}},
		},
	})
}

func TestCurrentCheckpoint(t *testing.T) {
	c, fake := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emailAddress":"alice@acme.test","historyId":"98765"}`))
	}, Options{})

	got, err := c.CurrentCheckpoint(context.Background(), "alice@acme.test")
	if err != nil {
		t.Fatalf("CurrentCheckpoint: %v", err)
	}
	if got != 98765 {
		t.Errorf("checkpoint = %d, want 98765", got)
	}
	req, _ := fake.lastRequest()
	if req.URL.Path != "/gmail/v1/users/me/profile" {
		t.Errorf("path = %s", req.URL.Path)
	}
}

func TestListChangesPages(t *testing.T) {
	c, fake := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			w.Write([]byte(`{
				"history":[
					{"id":"101","messagesAdded":[{"message":{"id":"m1"}},{"message":{"id":"m2"}}]},
					{"id":"102"}
				],
				"nextPageToken":"p2",
				"historyId":"150"
			}`))
			return
		}
		w.Write([]byte(`{"history":[{"id":"140","messagesAdded":[{"message":{"id":"m3"}}]}],"historyId":"150"}`))
	}, Options{HistoryLabel: "INBOX", PageSize: 50})

	page, err := c.ListChanges(context.Background(), "alice@acme.test", 100, "")
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	want := &HistoryPage{
		Records: []ChangeRecord{
			{ID: 101, MessagesAdded: []string{"m1", "m2"}},
			{ID: 102},
		},
		NextPageToken: "p2",
	}
	if diff := cmp.Diff(want, page); diff != "" {
		t.Errorf("first page (-want +got):\n%s", diff)
	}

	req, _ := fake.lastRequest()
	q := req.URL.Query()
	if q.Get("startHistoryId") != "100" || q.Get("historyTypes") != "messageAdded" ||
		q.Get("labelId") != "INBOX" || q.Get("maxResults") != "50" {
		t.Errorf("query = %v", q)
	}

	page, err = c.ListChanges(context.Background(), "alice@acme.test", 100, "p2")
	if err != nil {
		t.Fatalf("ListChanges page 2: %v", err)
	}
	if page.NextPageToken != "" || page.NewCheckpoint != 150 {
		t.Errorf("final page = %+v, want checkpoint 150", page)
	}
	req, _ = fake.lastRequest()
	if req.URL.Query().Get("pageToken") != "p2" {
		t.Errorf("pageToken = %q", req.URL.Query().Get("pageToken"))
	}
}

func TestGetMessage(t *testing.T) {
	plain := base64.URLEncoding.EncodeToString([]byte("Hello"))
	c, fake := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id":"m1","threadId":"t1","labelIds":["INBOX"],
			"payload":{
				"mimeType":"multipart/alternative",
				"headers":[{"name":"Subject","value":"Hi"},{"name":"From","value":"bob@x.test"}],
				"parts":[{"mimeType":"text/plain","body":{"data":"` + plain + `"}}]
			}
		}`))
	}, Options{})

	msg, err := c.GetMessage(context.Background(), "alice@acme.test", "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	want := &RawMessage{
		ID:       "m1",
		ThreadID: "t1",
		LabelIDs: []string{"INBOX"},
		Payload: &MessagePart{
			MimeType: "multipart/alternative",
			Headers:  []Header{{Name: "Subject", Value: "Hi"}, {Name: "From", Value: "bob@x.test"}},
			Parts:    []*MessagePart{{MimeType: "text/plain", BodyData: plain}},
		},
	}
	if diff := cmp.Diff(want, msg); diff != "" {
		t.Errorf("message (-want +got):\n%s", diff)
	}
	req, _ := fake.lastRequest()
	if req.URL.Path != "/gmail/v1/users/me/messages/m1" || req.URL.Query().Get("format") != "full" {
		t.Errorf("request = %s", req.URL)
	}
	if v, ok := msg.Payload.Header("SUBJECT"); !ok || v != "Hi" {
		t.Errorf("Header(SUBJECT) = %q, %v", v, ok)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		reason string
		call   func(c *GmailClient) error
		want   error
	}{
		{"history 404", 404, "notFound", listCall, ErrCheckpointTooOld},
		{"message 404", 404, "notFound", getCall, ErrNotFound},
		{"unauthorized", 401, "authError", profileCall, ErrAuth},
		{"forbidden", 403, "forbidden", getCall, ErrAuth},
		{"rate limited 403", 403, "userRateLimitExceeded", listCall, ErrTransient},
		{"too many requests", 429, "rateLimitExceeded", profileCall, ErrTransient},
		{"unavailable", 503, "backendError", getCall, ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tt.code, tt.reason, "boom")
			}, Options{})
			err := tt.call(c)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func listCall(c *GmailClient) error {
	_, err := c.ListChanges(context.Background(), "alice@acme.test", 1, "")
	return err
}

func getCall(c *GmailClient) error {
	_, err := c.GetMessage(context.Background(), "alice@acme.test", "m1")
	return err
}

func profileCall(c *GmailClient) error {
	_, err := c.CurrentCheckpoint(context.Background(), "alice@acme.test")
	return err
}

func TestCallTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c, _ := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Options{CallTimeout: 50 * time.Millisecond})

	err := profileCall(c)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestCancelledContextIsNotTransient(t *testing.T) {
	c, _ := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"historyId":"1"}`))
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.CurrentCheckpoint(ctx, "alice@acme.test")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTransient) {
		t.Error("cancelled call must not be transient")
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	var hits int
	var mu sync.Mutex
	c, _ := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		writeAPIError(w, 503, "backendError", "down")
	}, Options{})

	for i := 0; i < 6; i++ {
		profileCall(c)
	}
	err := profileCall(c)
	if !errors.Is(err, gobreaker.ErrOpenState) || !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want open breaker reported as transient", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 6 {
		t.Errorf("server hits = %d, want 6 (seventh call short-circuited)", hits)
	}
	if c.BreakerState("alice@acme.test") != "open" {
		t.Errorf("state = %s", c.BreakerState("alice@acme.test"))
	}
}

func TestBreakerIsPerMailbox(t *testing.T) {
	var mu sync.Mutex
	failing := true
	c, _ := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			writeAPIError(w, 503, "backendError", "down")
			return
		}
		w.Write([]byte(`{"historyId":"7"}`))
	}, Options{})

	for i := 0; i < 6; i++ {
		profileCall(c)
	}
	mu.Lock()
	failing = false
	mu.Unlock()

	if err := profileCall(c); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("alice err = %v, want open breaker", err)
	}
	got, err := c.CurrentCheckpoint(context.Background(), "bob@acme.test")
	if err != nil || got != 7 {
		t.Fatalf("bob = %d, %v; want 7 with his own closed breaker", got, err)
	}
	if c.BreakerState("bob@acme.test") != "closed" {
		t.Errorf("bob breaker = %s", c.BreakerState("bob@acme.test"))
	}
}

func TestRateLimitWaitBeyondDeadlineIsTransient(t *testing.T) {
	c, _ := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"historyId":"1"}`))
	}, Options{QPS: 0.01, Burst: 1})

	if err := profileCall(c); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.CurrentCheckpoint(ctx, "alice@acme.test")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	c, _ := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, 404, "notFound", "gone")
	}, Options{})

	for i := 0; i < 10; i++ {
		if err := getCall(c); !errors.Is(err, ErrNotFound) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if c.BreakerState("alice@acme.test") != "closed" {
		t.Errorf("state = %s, want closed", c.BreakerState("alice@acme.test"))
	}
}

func TestWatch(t *testing.T) {
	c, fake := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"historyId":"555","expiration":"1767225600000"}`))
	}, Options{})

	hid, exp, err := c.Watch(context.Background(), "alice@acme.test", "projects/p/topics/t", []string{"INBOX"})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if hid != 555 {
		t.Errorf("history id = %d", hid)
	}
	if !exp.Equal(time.UnixMilli(1767225600000)) {
		t.Errorf("expiration = %s", exp)
	}

	req, body := fake.lastRequest()
	if req.Method != http.MethodPost || req.URL.Path != "/gmail/v1/users/me/watch" {
		t.Errorf("request = %s %s", req.Method, req.URL.Path)
	}
	var wr struct {
		LabelIDs  []string `json:"labelIds"`
		TopicName string   `json:"topicName"`
	}
	json.Unmarshal([]byte(body), &wr)
	if wr.TopicName != "projects/p/topics/t" || len(wr.LabelIDs) != 1 || wr.LabelIDs[0] != "INBOX" {
		t.Errorf("watch body = %s", body)
	}
}

func TestSendReply(t *testing.T) {
	c, fake := newTestGmailClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"sent-1","threadId":"t1"}`))
	}, Options{})

	id, err := c.SendReply(context.Background(), "alice@acme.test", Reply{
		To:        "bob@x.test",
		Subject:   ReplySubject("Invoice"),
		Body:      "Paid today.",
		ThreadID:  "t1",
		InReplyTo: "<orig@x.test>",
	})
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if id != "sent-1" {
		t.Errorf("id = %q", id)
	}

	req, body := fake.lastRequest()
	if req.URL.Path != "/gmail/v1/users/me/messages/send" {
		t.Errorf("path = %s", req.URL.Path)
	}
	var sent struct {
		Raw      string `json:"raw"`
		ThreadID string `json:"threadId"`
	}
	json.Unmarshal([]byte(body), &sent)
	if sent.ThreadID != "t1" {
		t.Errorf("threadId = %q", sent.ThreadID)
	}
	raw, err := base64.URLEncoding.DecodeString(sent.Raw)
	if err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	for _, want := range []string{
		"From: alice@acme.test\r\n",
		"To: bob@x.test\r\n",
		"Subject: Re: Invoice\r\n",
		"In-Reply-To: <orig@x.test>\r\n",
		"\r\n\r\nPaid today.",
	} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("raw message missing %q:\n%s", want, raw)
		}
	}
}

func TestReplySubject(t *testing.T) {
	tests := map[string]string{
		"Invoice":     "Re: Invoice",
		"Re: Invoice": "Re: Invoice",
		"RE: Invoice": "RE: Invoice",
		"":            "Re: ",
	}
	for in, want := range tests {
		if got := ReplySubject(in); got != want {
			t.Errorf("ReplySubject(%q) = %q, want %q", in, got, want)
		}
	}
}
