package reconcile

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/sekia-ai/mailwatch/internal/checkpoint"
	"github.com/sekia-ai/mailwatch/internal/mailbox"
	"github.com/sekia-ai/mailwatch/internal/publish"
	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

// fakeMailbox serves canned history pages and messages. Error queues are
// consumed one entry per call before falling back to the canned data.
type fakeMailbox struct {
	mu sync.Mutex

	current     map[string]uint64
	currentErrs []error
	pages       map[string]*mailbox.HistoryPage // by page token
	listErrs    []error
	messages    map[string]*mailbox.RawMessage
	getErrs     map[string][]error

	// block, when set, is waited on by CurrentCheckpoint for that user.
	block map[string]chan struct{}

	currentCalls int
	listCalls    []listCall
	getCalls     []string
}

type listCall struct {
	since uint64
	token string
}

func newFakeMailbox(current uint64) *fakeMailbox {
	return &fakeMailbox{
		current:  map[string]uint64{"": current},
		pages:    map[string]*mailbox.HistoryPage{},
		messages: map[string]*mailbox.RawMessage{},
		getErrs:  map[string][]error{},
		block:    map[string]chan struct{}{},
	}
}

func (f *fakeMailbox) CurrentCheckpoint(ctx context.Context, user string) (uint64, error) {
	f.mu.Lock()
	ch := f.block[user]
	f.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentCalls++
	if len(f.currentErrs) > 0 {
		err := f.currentErrs[0]
		f.currentErrs = f.currentErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	if v, ok := f.current[user]; ok {
		return v, nil
	}
	return f.current[""], nil
}

func (f *fakeMailbox) ListChanges(_ context.Context, _ string, since uint64, token string) (*mailbox.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, listCall{since: since, token: token})
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if p, ok := f.pages[token]; ok {
		return p, nil
	}
	return &mailbox.HistoryPage{}, nil
}

func (f *fakeMailbox) GetMessage(_ context.Context, _ string, id string) (*mailbox.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls = append(f.getCalls, id)
	if errs := f.getErrs[id]; len(errs) > 0 {
		f.getErrs[id] = errs[1:]
		if errs[0] != nil {
			return nil, errs[0]
		}
	}
	if m, ok := f.messages[id]; ok {
		return m, nil
	}
	return nil, mailbox.ErrNotFound
}

func (f *fakeMailbox) addMessage(id, subject, body string) {
	f.messages[id] = &mailbox.RawMessage{
		ID: id,
		Payload: &mailbox.MessagePart{
			MimeType: "text/plain",
			Headers:  []mailbox.Header{{Name: "Subject", Value: subject}, {Name: "From", Value: "sender@x.test"}},
			BodyData: base64.URLEncoding.EncodeToString([]byte(body)),
		},
	}
}

func (f *fakeMailbox) getCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, g := range f.getCalls {
		if g == id {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu     sync.Mutex
	m      map[string]uint64
	getErr error
	putErr error
	puts   []uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{m: map[string]uint64{}}
}

func (s *fakeStore) Get(_ context.Context, user string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return 0, false, s.getErr
	}
	v, ok := s.m[user]
	return v, ok, nil
}

func (s *fakeStore) Put(_ context.Context, user string, cp uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[user] = cp
	return nil
}

// Advance records every call in puts and fails with putErr when set.
func (s *fakeStore) Advance(_ context.Context, user string, cp uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, cp)
	if cp > s.m[user] {
		s.m[user] = cp
	}
	return nil
}

func (s *fakeStore) Seed(_ context.Context, user string, cp uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[user]; ok {
		return false, nil
	}
	s.m[user] = cp
	return true, nil
}

func (s *fakeStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

var _ checkpoint.Store = (*fakeStore)(nil)

type fakePublisher struct {
	mu     sync.Mutex
	events []protocol.MessageEvent
	// errs maps a message id to errors returned on successive attempts.
	errs map[string][]error
	// onPublish runs before each publish, outside the lock.
	onPublish func(ev protocol.MessageEvent)
	seq       uint64
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{errs: map[string][]error{}}
}

func (p *fakePublisher) Publish(ctx context.Context, ev protocol.MessageEvent) (publish.Handle, error) {
	if p.onPublish != nil {
		p.onPublish(ev)
	}
	if err := ctx.Err(); err != nil {
		return publish.Handle{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if errs := p.errs[ev.ID]; len(errs) > 0 {
		p.errs[ev.ID] = errs[1:]
		if errs[0] != nil {
			return publish.Handle{}, errs[0]
		}
	}
	p.events = append(p.events, ev)
	p.seq++
	return publish.Handle{Stream: protocol.StreamMessages, Sequence: p.seq}, nil
}

func (p *fakePublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.ID
	}
	return out
}
