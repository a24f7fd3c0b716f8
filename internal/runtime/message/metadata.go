package message

import wmmessage "github.com/ThreeDotsLabs/watermill/message"

// Reserved header keys understood by the adapters.
const (
	// KeyPartitionKey carries the partition and dedupe key.
	KeyPartitionKey = "key"
	// KeyPartition carries an explicit partition index as a decimal string.
	KeyPartition     = "partition"
	KeyContentType   = "content-type"
	KeyReplyTo       = "reply-to"
	KeyCorrelationID = "correlation-id"
)

// Metadata represents the headers carried alongside a message. Keys are
// case-sensitive and unique.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// Get returns the value stored under key and whether it was present.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Without returns a cloned metadata map with key removed.
func (m Metadata) Without(key string) Metadata {
	cloned := m.Clone()
	delete(cloned, key)
	return cloned
}

// NewMetadata constructs a Metadata map from alternating key/value pairs.
// A trailing unpaired key is ignored.
func NewMetadata(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// MetadataFromWatermill converts Watermill metadata into message metadata.
func MetadataFromWatermill(md wmmessage.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// MetadataToWatermill converts message metadata into a Watermill map.
func MetadataToWatermill(metadata Metadata) wmmessage.Metadata {
	if len(metadata) == 0 {
		return wmmessage.Metadata{}
	}

	wm := make(wmmessage.Metadata, len(metadata))
	for k, v := range metadata {
		wm[k] = v
	}
	return wm
}
