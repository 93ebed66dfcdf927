package core

import (
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"strings"
)

const encodedIdentityLength = 32

// IdentityCodec converts record locators to opaque entity ids and back.
type IdentityCodec interface {
	Encode(locator RecordLocator) EntityID
	Decode(id EntityID) (RecordLocator, error)
}

// ChecksumIdentityCodec masks locators with a per-type key and appends a
// CRC32 so ids from another type, or mistyped ids, fail to decode.
type ChecksumIdentityCodec struct {
	typeName string
	mask     uint32
}

func NewIdentityCodec(typeName string) *ChecksumIdentityCodec {
	typeName = strings.TrimSpace(typeName)
	return &ChecksumIdentityCodec{
		typeName: typeName,
		mask:     crc32.ChecksumIEEE([]byte(typeName)),
	}
}

func (c *ChecksumIdentityCodec) Encode(locator RecordLocator) EntityID {
	payload := make([]byte, 16)
	binary.BigEndian.PutUint32(payload[0:4], uint32(locator.Cluster)^c.mask)
	binary.BigEndian.PutUint64(payload[4:12], uint64(locator.Position)^c.positionMask())
	binary.BigEndian.PutUint32(payload[12:16], c.checksum(payload[:12]))
	return EntityID(hex.EncodeToString(payload))
}

func (c *ChecksumIdentityCodec) Decode(id EntityID) (RecordLocator, error) {
	raw := strings.ToLower(strings.TrimSpace(string(id)))
	if raw == "" {
		return RecordLocator{}, NewInvalidIdentityError(id, "id is empty")
	}
	if len(raw) != encodedIdentityLength {
		return RecordLocator{}, NewInvalidIdentityError(id, "unexpected length")
	}
	payload, err := hex.DecodeString(raw)
	if err != nil {
		return RecordLocator{}, NewInvalidIdentityError(id, "not hex encoded")
	}
	if binary.BigEndian.Uint32(payload[12:16]) != c.checksum(payload[:12]) {
		return RecordLocator{}, NewInvalidIdentityError(id, "checksum mismatch")
	}
	locator := RecordLocator{
		Cluster:  int32(binary.BigEndian.Uint32(payload[0:4]) ^ c.mask),
		Position: int64(binary.BigEndian.Uint64(payload[4:12]) ^ c.positionMask()),
	}
	if !locator.IsValid() {
		return RecordLocator{}, NewInvalidIdentityError(id, "locator out of range")
	}
	return locator, nil
}

func (c *ChecksumIdentityCodec) positionMask() uint64 {
	return uint64(c.mask)<<32 | uint64(^c.mask)
}

func (c *ChecksumIdentityCodec) checksum(payload []byte) uint32 {
	hash := crc32.NewIEEE()
	_, _ = hash.Write([]byte(c.typeName))
	_, _ = hash.Write(payload)
	return hash.Sum32()
}
