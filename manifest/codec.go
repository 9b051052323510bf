package manifest

import (
	"github.com/raid-pir/raidpir/common/codec"
)

// Encode serializes a manifest to canonical CBOR.
func Encode(m *Manifest) ([]byte, error) {
	return codec.Marshal(m)
}

// Decode parses canonical CBOR into a Manifest and validates it.
//
// Both known schema variants (with or without the legacy ManifestHash /
// explicit Layout fields) decode successfully: every schema field besides
// HashAlgorithm, BlockSize, BlockCount, Files and BlockHashes is optional.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
