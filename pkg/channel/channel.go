// Package channel defines the interface for communication channels.
// Channels carry the user's messages in (activity, loop candidates) and
// proactive idle-breaker messages out.
package channel

import "context"

// Message represents an incoming message from any channel.
type Message struct {
	// Source identifies the channel (e.g., "matrix", "telegram").
	Source string

	// SenderID is the channel-specific sender identifier.
	SenderID string

	// RoomID is the channel-specific room/conversation identifier.
	RoomID string

	// Content is the message text.
	Content string

	// Timestamp is the message timestamp in milliseconds.
	Timestamp int64
}

// Scope is the engagement scope the message belongs to: one per sender.
func (m Message) Scope() string {
	return m.SenderID
}

// Response represents an outgoing message to a channel.
type Response struct {
	// Content is the text to send.
	Content string

	// RoomID is the target room/conversation.
	RoomID string
}

// Channel is the interface for a communication channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "matrix").
	Name() string

	// Start begins listening for messages. Blocks until ctx is cancelled.
	// Received messages are sent to the handler function.
	Start(ctx context.Context, handler MessageHandler) error

	// Send sends a response to a specific room on this channel.
	Send(ctx context.Context, resp Response) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// MessageHandler is called when a message is received from any channel.
type MessageHandler func(ctx context.Context, msg Message) error

// Registry routes outgoing responses to channels by name.
type Registry struct {
	channels map[string]Channel
}

// NewRegistry indexes channels by Name.
func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{channels: make(map[string]Channel, len(channels))}
	for _, c := range channels {
		r.channels[c.Name()] = c
	}
	return r
}

// Get returns the channel called name.
func (r *Registry) Get(name string) (Channel, bool) {
	c, ok := r.channels[name]
	return c, ok
}

// All returns every registered channel.
func (r *Registry) All() []Channel {
	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

// Send delivers resp over the channel called name.
func (r *Registry) Send(ctx context.Context, name string, resp Response) error {
	c, ok := r.channels[name]
	if !ok {
		return &UnknownChannelError{Name: name}
	}
	return c.Send(ctx, resp)
}

// UnknownChannelError is returned when a route names an unregistered channel.
type UnknownChannelError struct {
	Name string
}

func (e *UnknownChannelError) Error() string {
	return "unknown channel: " + e.Name
}
