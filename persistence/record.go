package persistence

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// VersionV0 is the only record layout currently understood.
const VersionV0 = uint8(0)

const (
	checksumSeedLow  = uint64(0)
	checksumSeedHigh = uint64(0x9E3779B97F4A7C15)
)

// headerSize is the fixed on-disk size of ChangelogRecordHeader:
// version(1) + index(8) + term(8) + value_type(1) + blob_size(8) + checksum(16).
const headerSize = 1 + 8 + 8 + 1 + 8 + 16

// ChangelogRecordHeader is the fixed-layout prefix of every on-disk record.
type ChangelogRecordHeader struct {
	Version       uint8
	Index         uint64
	Term          uint64
	ValueType     uint8
	BlobSize      uint64
	ChecksumLow   uint64
	ChecksumHigh  uint64
}

// ChangelogRecord is a header paired with its blob.
type ChangelogRecord struct {
	Header ChangelogRecordHeader
	Blob   []byte
}

// checksum128 stands in for CityHash128: the low half is the 64-bit
// xxhash of the blob, the high half is the 64-bit xxhash of the blob
// followed by checksumSeedHigh as 8 little-endian bytes. xxhash is real and
// already present (indirectly) in the retrieved example pack; any
// stable 128-bit non-cryptographic hash is permitted by the format as
// long as it is fixed and documented (see DESIGN.md).
func checksum128(blob []byte) (low, high uint64) {
	if len(blob) == 0 {
		return 0, 0
	}
	low = xxhash.Sum64(blob)
	d := xxhash.New()
	d.Write(blob)
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], checksumSeedHigh)
	d.Write(seedBuf[:])
	high = d.Sum64()
	return low, high
}

func buildRecord(index uint64, entry LogEntry) ChangelogRecord {
	header := ChangelogRecordHeader{
		Version:   VersionV0,
		Index:     index,
		Term:      entry.Term,
		ValueType: entry.ValueType,
		BlobSize:  uint64(len(entry.Blob)),
	}
	header.ChecksumLow, header.ChecksumHigh = checksum128(entry.Blob)
	return ChangelogRecord{Header: header, Blob: entry.Blob}
}

// encodeRecord writes header followed by blob, with no trailing delimiter.
func encodeRecord(w io.Writer, r ChangelogRecord) error {
	var buf [headerSize]byte
	buf[0] = r.Header.Version
	binary.LittleEndian.PutUint64(buf[1:9], r.Header.Index)
	binary.LittleEndian.PutUint64(buf[9:17], r.Header.Term)
	buf[17] = r.Header.ValueType
	binary.LittleEndian.PutUint64(buf[18:26], r.Header.BlobSize)
	binary.LittleEndian.PutUint64(buf[26:34], r.Header.ChecksumLow)
	binary.LittleEndian.PutUint64(buf[34:42], r.Header.ChecksumHigh)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if len(r.Blob) == 0 {
		return nil
	}
	_, err := w.Write(r.Blob)
	return err
}

// decodeHeader reads the fixed header fields in their declared order.
func decodeHeader(r *bufio.Reader) (ChangelogRecordHeader, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ChangelogRecordHeader{}, err
	}
	h := ChangelogRecordHeader{
		Version:      buf[0],
		Index:        binary.LittleEndian.Uint64(buf[1:9]),
		Term:         binary.LittleEndian.Uint64(buf[9:17]),
		ValueType:    buf[17],
		BlobSize:     binary.LittleEndian.Uint64(buf[18:26]),
		ChecksumLow:  binary.LittleEndian.Uint64(buf[26:34]),
		ChecksumHigh: binary.LittleEndian.Uint64(buf[34:42]),
	}
	if h.Version != VersionV0 {
		return h, fmt.Errorf("%w: %d", ErrUnknownFormatVersion, h.Version)
	}
	return h, nil
}

// decodeRecord decodes a header and then reads exactly BlobSize bytes, strictly.
func decodeRecord(r *bufio.Reader) (ChangelogRecord, error) {
	header, err := decodeHeader(r)
	if err != nil {
		return ChangelogRecord{}, err
	}
	blob := make([]byte, header.BlobSize)
	if header.BlobSize != 0 {
		if _, err := io.ReadFull(r, blob); err != nil {
			return ChangelogRecord{}, err
		}
	}
	return ChangelogRecord{Header: header, Blob: blob}, nil
}

// verifyChecksum recomputes the blob hash and compares it to the header.
func verifyChecksum(rec ChangelogRecord) error {
	low, high := checksum128(rec.Blob)
	if low != rec.Header.ChecksumLow || high != rec.Header.ChecksumHigh {
		return fmt.Errorf("%w: index %d", ErrChecksumMismatch, rec.Header.Index)
	}
	return nil
}
