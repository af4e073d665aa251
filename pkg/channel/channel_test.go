package channel

import (
	"context"
	"errors"
	"testing"
)

type stubChannel struct {
	name string
	sent []Response
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Stop() error  { return nil }

func (s *stubChannel) Start(ctx context.Context, _ MessageHandler) error {
	<-ctx.Done()
	return nil
}

func (s *stubChannel) Send(_ context.Context, resp Response) error {
	s.sent = append(s.sent, resp)
	return nil
}

func TestRegistrySend(t *testing.T) {
	m := &stubChannel{name: "matrix"}
	r := NewRegistry(m, &stubChannel{name: "telegram"})

	if err := r.Send(context.Background(), "matrix", Response{RoomID: "!a", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(m.sent) != 1 || m.sent[0].Content != "hi" {
		t.Errorf("sent = %+v", m.sent)
	}
	if got := len(r.All()); got != 2 {
		t.Errorf("All() = %d channels, want 2", got)
	}
}

func TestRegistryUnknownChannel(t *testing.T) {
	err := NewRegistry().Send(context.Background(), "irc", Response{})
	var unknown *UnknownChannelError
	if !errors.As(err, &unknown) || unknown.Name != "irc" {
		t.Fatalf("err = %v, want UnknownChannelError for irc", err)
	}
}

func TestMessageScope(t *testing.T) {
	m := Message{SenderID: "@alice:example.org", RoomID: "!room"}
	if m.Scope() != "@alice:example.org" {
		t.Errorf("Scope() = %q", m.Scope())
	}
}
