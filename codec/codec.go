// Package codec converts cached values to and from the byte payloads the
// tiers store. The manager encodes once per write and embeds the result in
// the entry envelope, so a codec never sees envelope bytes.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
