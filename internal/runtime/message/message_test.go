package message

import (
	"testing"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	payload := []byte("hello")
	msg := New("orders", payload)
	payload[0] = 'j'

	assert.Equal(t, "orders", msg.Topic())
	assert.Equal(t, []byte("hello"), msg.Payload())
	assert.Equal(t, 5, msg.Length())
	assert.Nil(t, msg.Metadata())
	_, ok := msg.Reply()
	assert.False(t, ok)
}

func TestSetPayloadKeepsLength(t *testing.T) {
	payloads := [][]byte{nil, {}, []byte("a"), []byte("a longer payload"), make([]byte, 4096)}

	msg := New("t", []byte("seed"))
	for _, p := range payloads {
		next := msg.SetPayload(p)
		assert.Equal(t, len(p), next.Length())
		assert.Equal(t, len(next.Payload()), next.Length())
		assert.Equal(t, 4, msg.Length(), "receiver must not change")
	}
}

func TestPayloadIsCopied(t *testing.T) {
	msg := New("t", []byte("abc"))
	out := msg.Payload()
	out[0] = 'z'
	assert.Equal(t, []byte("abc"), msg.Payload())
}

func TestAddRemoveMetadataLaw(t *testing.T) {
	tests := []struct {
		name string
		base Message
	}{
		{"no metadata", New("t", nil)},
		{"other headers", New("t", nil).AddMetadata("a", "1").AddMetadata("b", "2")},
		{"content type", New("t", nil).SetContentType("application/json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after := tt.base.AddMetadata("k", "v").RemoveMetadata("k")
			assert.Equal(t, tt.base.Metadata(), after.Metadata())
		})
	}
}

func TestRemoveThenAddIsIdempotent(t *testing.T) {
	msg := New("t", nil).AddMetadata("k", "old").AddMetadata("other", "x")
	next := msg.RemoveMetadata("k").AddMetadata("k", "new")

	assert.Equal(t, Metadata{"k": "new", "other": "x"}, next.Metadata())
	assert.Equal(t, Metadata{"k": "old", "other": "x"}, msg.Metadata())
}

func TestMutatorsDoNotTouchReceiver(t *testing.T) {
	original := New("t", []byte("p")).AddMetadata("a", "1")

	_ = original.AddMetadata("b", "2")
	_ = original.RemoveMetadata("a")
	_ = original.SetMetadata(Metadata{"c": "3"})
	_ = original.SetTopic("other")
	_ = original.SetDescription("desc")
	_ = original.SetReply(Reply{ClientName: "nats", Topic: "inbox"})

	assert.Equal(t, "t", original.Topic())
	assert.Equal(t, Metadata{"a": "1"}, original.Metadata())
	assert.Empty(t, original.Description())
	_, ok := original.Reply()
	assert.False(t, ok)
}

func TestMetadataAccessorReturnsCopy(t *testing.T) {
	msg := New("t", nil).AddMetadata("a", "1")
	md := msg.Metadata()
	md["a"] = "2"

	v, ok := msg.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestSetMetadataEmptyClears(t *testing.T) {
	msg := New("t", nil).AddMetadata("a", "1").SetMetadata(Metadata{})
	assert.Nil(t, msg.Metadata())
}

func TestContentType(t *testing.T) {
	msg := New("t", nil).SetContentType("application/json")
	assert.Equal(t, "application/json", msg.ContentType())
	assert.Equal(t, Metadata{KeyContentType: "application/json"}, msg.Metadata())
}

func TestReply(t *testing.T) {
	msg := New("t", nil).SetReply(Reply{ClientName: "kafka", Topic: "svc.replies"})
	reply, ok := msg.Reply()
	require.True(t, ok)
	assert.Equal(t, Reply{ClientName: "kafka", Topic: "svc.replies"}, reply)

	_, ok = msg.ClearReply().Reply()
	assert.False(t, ok)
}

func TestWatermillConversion(t *testing.T) {
	msg := New("orders", []byte(`{"id":1}`)).
		AddMetadata(KeyPartitionKey, "user-42").
		AddMetadata("Trace", "abc").
		SetReply(Reply{ClientName: "kafka", Topic: "svc.replies"})

	wm := ToWatermill(msg, "uuid-1")
	assert.Equal(t, "uuid-1", wm.UUID)
	assert.Equal(t, []byte(`{"id":1}`), []byte(wm.Payload))
	assert.Equal(t, "user-42", wm.Metadata.Get(KeyPartitionKey))
	assert.Equal(t, "abc", wm.Metadata.Get("Trace"))
	assert.Equal(t, "svc.replies", wm.Metadata.Get(KeyReplyTo))

	back := FromWatermill("orders", "inbound", wm)
	assert.Equal(t, "orders", back.Topic())
	assert.Equal(t, msg.Payload(), back.Payload())
	assert.Equal(t, Metadata{
		KeyPartitionKey: "user-42",
		"Trace":         "abc",
		KeyReplyTo:      "svc.replies",
	}, back.Metadata())

	reply, ok := back.Reply()
	require.True(t, ok)
	assert.Equal(t, Reply{ClientName: "inbound", Topic: "svc.replies"}, reply)
}

func TestFromWatermillWithoutReply(t *testing.T) {
	wm := wmmessage.NewMessage("id", []byte("x"))
	msg := FromWatermill("t", "c", wm)

	_, ok := msg.Reply()
	assert.False(t, ok)
	assert.Nil(t, msg.Metadata())
}
