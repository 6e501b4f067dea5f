package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ChecksumLen is the length of a module content checksum in bytes.
const ChecksumLen = 32

// Checksum is the SHA-256 content digest of a module binary. It keys the
// compiled-module cache and is compared against the registry record at load
// time to detect tampering between registration and execution.
type Checksum [ChecksumLen]byte

// ComputeChecksum returns the checksum of a module binary.
func ComputeChecksum(wasm []byte) Checksum {
	return Checksum(sha256.Sum256(wasm))
}

// ParseChecksum converts a hex string into a Checksum.
func ParseChecksum(s string) (Checksum, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Checksum{}, fmt.Errorf("parsing checksum %q: %w", s, err)
	}
	if len(data) != ChecksumLen {
		return Checksum{}, fmt.Errorf("parsing checksum: got %d bytes, want %d", len(data), ChecksumLen)
	}
	var c Checksum
	copy(c[:], data)
	return c, nil
}

// String returns the lowercase hex form.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// Bytes returns the checksum as a byte slice.
func (c Checksum) Bytes() []byte {
	return c[:]
}

// IsZero reports whether the checksum is unset.
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// MarshalJSON encodes the checksum as a hex string.
func (c Checksum) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a hex string checksum.
func (c *Checksum) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshaling checksum: %w", err)
	}
	parsed, err := ParseChecksum(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
