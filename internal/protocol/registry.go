package protocol

import (
	"sync"

	"github.com/zoravur/expstream/internal/sink"
)

// Sender writes one JSON message to a peer. *websocket.Conn satisfies it.
type Sender interface {
	WriteJSON(v any) error
}

// Session is one connected client and the tables it follows.
type Session struct {
	tables *sink.Registry
	client *sink.Client

	wmu sync.Mutex
	out Sender

	mu   sync.Mutex
	subs map[string]*sink.Table
}

func NewSession(tables *sink.Registry, out Sender) *Session {
	s := &Session{tables: tables, out: out, subs: map[string]*sink.Table{}}
	s.client = &sink.Client{Send: s.Send}
	return s
}

// Send writes a typed message. Safe for concurrent use.
func (s *Session) Send(msgType string, payload any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.out.WriteJSON(Envelope{Type: msgType, Data: payload})
}

func (s *Session) subscribe(t *sink.Table) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[t.Name]; ok {
		return false
	}
	s.subs[t.Name] = t
	t.Subscribe(s.client)
	return true
}

func (s *Session) unsubscribe(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.subs[name]
	if !ok {
		return false
	}
	delete(s.subs, name)
	t.Unsubscribe(s.client)
	return true
}

// Tables lists the followed table names.
func (s *Session) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.subs))
	for n := range s.subs {
		names = append(names, n)
	}
	return names
}

// Close drops every subscription.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.subs {
		t.Unsubscribe(s.client)
		delete(s.subs, name)
	}
}
