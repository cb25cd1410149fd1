// Package fingerprint computes the persistent identity of a question
// instance: uuid ‖ serialize(instance). Fingerprints are treated as opaque
// bytes by the store (spec.md §3, §4.1).
package fingerprint

import (
	"encoding/hex"

	"github.com/coderunner/kestrel/internal/codec"
	"github.com/coderunner/kestrel/internal/kind"
)

// FP is an opaque fingerprint, safe to use as a map key.
type FP string

// Of computes the fingerprint of instance under k: k.UUID (16 bytes, big
// endian canonical form) followed by k.Serialize(instance).
func Of(k *kind.Kind, instance kind.Instance) FP {
	sink := codec.NewBufSink(32)
	uuidBytes, _ := k.UUID.MarshalBinary() // uuid.UUID.MarshalBinary never errors
	sink.WriteBytes(uuidBytes)
	k.Serialize(instance, sink)
	return FP(sink.Bytes())
}

// Bytes returns the raw fingerprint bytes, e.g. for storing as a BLOB
// primary key.
func (f FP) Bytes() []byte { return []byte(f) }

// String returns a hex encoding suitable for logs and diagnostics. It is
// never used as the actual store key — FP itself (or FP.Bytes()) is.
func (f FP) String() string { return hex.EncodeToString([]byte(f)) }
