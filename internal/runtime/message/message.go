// Package message holds the backend-neutral message value exchanged by every
// client adapter and the dispatch loop.
package message

import (
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
)

// Reply addresses the response to a request-style delivery.
type Reply struct {
	ClientName string
	Topic      string
}

// Message is an immutable value. Every mutator returns a new Message and
// leaves the receiver untouched.
type Message struct {
	topic       string
	payload     []byte
	metadata    Metadata
	description string
	reply       *Reply
}

// New creates a message for topic carrying a copy of payload.
func New(topic string, payload []byte) Message {
	return Message{topic: topic, payload: cloneBytes(payload)}
}

func (m Message) Topic() string { return m.topic }

// Payload returns a copy of the message body.
func (m Message) Payload() []byte { return cloneBytes(m.payload) }

// Length is the byte length of the payload.
func (m Message) Length() int { return len(m.payload) }

func (m Message) Description() string { return m.description }

// Metadata returns a copy of the headers, or nil when there are none.
func (m Message) Metadata() Metadata {
	if len(m.metadata) == 0 {
		return nil
	}
	return m.metadata.Clone()
}

// Get returns a single header value.
func (m Message) Get(key string) (string, bool) {
	return m.metadata.Get(key)
}

// ContentType returns the content-type header, if any.
func (m Message) ContentType() string {
	return m.metadata[KeyContentType]
}

// Reply returns where a response to this message should go.
func (m Message) Reply() (Reply, bool) {
	if m.reply == nil {
		return Reply{}, false
	}
	return *m.reply, true
}

func (m Message) SetTopic(topic string) Message {
	m.topic = topic
	return m
}

func (m Message) SetPayload(payload []byte) Message {
	m.payload = cloneBytes(payload)
	return m
}

func (m Message) SetDescription(description string) Message {
	m.description = description
	return m
}

func (m Message) SetContentType(contentType string) Message {
	return m.AddMetadata(KeyContentType, contentType)
}

// AddMetadata sets key to value, replacing any existing entry for key.
func (m Message) AddMetadata(key, value string) Message {
	m.metadata = m.metadata.With(key, value)
	return m
}

// SetMetadata replaces the whole header set.
func (m Message) SetMetadata(md Metadata) Message {
	if len(md) == 0 {
		m.metadata = nil
		return m
	}
	m.metadata = md.Clone()
	return m
}

// RemoveMetadata drops key. Removing the last header leaves the message
// without metadata.
func (m Message) RemoveMetadata(key string) Message {
	if _, ok := m.metadata[key]; !ok {
		return m
	}
	md := m.metadata.Without(key)
	if len(md) == 0 {
		md = nil
	}
	m.metadata = md
	return m
}

func (m Message) SetReply(reply Reply) Message {
	r := reply
	m.reply = &r
	return m
}

// ClearReply removes the reply address.
func (m Message) ClearReply() Message {
	m.reply = nil
	return m
}

// ToWatermill converts the message into a Watermill message identified by uuid.
// The reply topic travels in the reply-to header.
func ToWatermill(msg Message, uuid string) *wmmessage.Message {
	wm := wmmessage.NewMessage(uuid, msg.Payload())
	wm.Metadata = MetadataToWatermill(msg.metadata)
	if msg.reply != nil && msg.reply.Topic != "" {
		wm.Metadata.Set(KeyReplyTo, msg.reply.Topic)
	}
	return wm
}

// FromWatermill converts a Watermill message received on topic by the client
// named clientName. A reply-to header becomes a Reply addressed through that
// same client.
func FromWatermill(topic, clientName string, wm *wmmessage.Message) Message {
	msg := New(topic, wm.Payload).SetMetadata(MetadataFromWatermill(wm.Metadata))
	if replyTo := wm.Metadata.Get(KeyReplyTo); replyTo != "" {
		msg = msg.SetReply(Reply{ClientName: clientName, Topic: replyTo})
	}
	return msg
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
