package responder

import (
	"context"
	"errors"
	"sync"

	"github.com/sekia-ai/mailwatch/internal/ai"
	"github.com/sekia-ai/mailwatch/internal/mailbox"
)

type mockLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []ai.CompleteRequest
}

func (m *mockLLM) Complete(_ context.Context, req ai.CompleteRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r, nil
}

type mockGenerator struct {
	mu     sync.Mutex
	reply  string
	errs   []error
	emails []Email
}

func (m *mockGenerator) GenerateReply(_ context.Context, email Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails = append(m.emails, email)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return m.reply, nil
}

func (m *mockGenerator) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.emails)
}

type sentReply struct {
	User  string
	Reply mailbox.Reply
}

type mockMailer struct {
	mu   sync.Mutex
	errs []error
	sent []sentReply
}

func (m *mockMailer) SendReply(_ context.Context, userEmail string, reply mailbox.Reply) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return "", err
		}
	}
	m.sent = append(m.sent, sentReply{User: userEmail, Reply: reply})
	return "sent-1", nil
}

func (m *mockMailer) replies() []sentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentReply(nil), m.sent...)
}

type memAudit struct {
	mu       sync.Mutex
	records  map[string]Record
	queryErr error
	saveErr  error
}

func newMemAudit() *memAudit {
	return &memAudit{records: make(map[string]Record)}
}

func (m *memAudit) Processed(_ context.Context, userEmail, emailID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return false, m.queryErr
	}
	_, ok := m.records[userEmail+"/"+emailID]
	return ok, nil
}

func (m *memAudit) Save(_ context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return r, m.saveErr
	}
	r.ID = "rec-" + r.EmailID
	m.records[r.UserEmail+"/"+r.EmailID] = r
	return r, nil
}

func (m *memAudit) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
