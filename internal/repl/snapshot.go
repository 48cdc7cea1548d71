package repl

import "encoding/base64"

// emptySnapshotB64 is the standard empty-RDB payload used by the
// codecrafters "build your own redis" reference solutions. Producing a
// real snapshot is out of scope; this fixed, opaque payload is what every
// FULLRESYNC sends and what a fresh replica simply discards.
const emptySnapshotB64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

var emptySnapshot = mustDecodeSnapshot()

func mustDecodeSnapshot() []byte {
	b, err := base64.StdEncoding.DecodeString(emptySnapshotB64)
	if err != nil {
		panic("repl: invalid embedded snapshot constant: " + err.Error())
	}
	return b
}

// Snapshot returns the fixed empty-RDB payload sent after every
// FULLRESYNC.
func Snapshot() []byte {
	return emptySnapshot
}
