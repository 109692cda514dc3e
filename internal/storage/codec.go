package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/jeongseonghan/pilotrx/internal/sim"
)

const CurrentSchemaVersion = 1

var (
	ErrVersionMismatch = errors.New("record version mismatch")
	ErrCorruptRecord   = errors.New("record checksum mismatch")
)

type reportRecord struct {
	SchemaVersion int         `json:"schema_version"`
	Report        *sim.Report `json:"report"`
}

// EncodeReport serialises a report with its schema version, followed by a
// big-endian CRC-32 of the JSON.
func EncodeReport(r *sim.Report) ([]byte, error) {
	if r == nil || r.ID == "" {
		return nil, errors.New("report id is required")
	}
	data, err := json.Marshal(reportRecord{SchemaVersion: CurrentSchemaVersion, Report: r})
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint32(data, crc32.ChecksumIEEE(data)), nil
}

func DecodeReport(data []byte) (*sim.Report, error) {
	if len(data) < 4 {
		return nil, ErrCorruptRecord
	}
	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(data[len(data)-4:]) {
		return nil, ErrCorruptRecord
	}
	var rec reportRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	if rec.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: schema %d, expected %d", ErrVersionMismatch, rec.SchemaVersion, CurrentSchemaVersion)
	}
	if rec.Report == nil {
		return nil, errors.New("record holds no report")
	}
	return rec.Report, nil
}
