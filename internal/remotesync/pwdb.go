// Package remotesync uploads newly persisted rows to a remote aggregation
// server. Progress is tracked with a per-destination cursor so restarts and
// transient failures never re-send or skip rows.
package remotesync

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// PWDB is the upload container format: magic "PWDB\0", a u32 version, a u32
// table count, then per table a u16 name length + name, a u32 row count and
// u32-length-prefixed JSON rows. All integers are little-endian.
const (
	pwdbVersion uint32 = 1
)

var pwdbMagic = []byte{'P', 'W', 'D', 'B', 0}

// Table is one table's slice of a dump.
type Table struct {
	Name string
	Rows []json.RawMessage
}

// EncodePWDB serialises tables into the wire format.
func EncodePWDB(tables []Table) ([]byte, error) {
	if len(tables) > math.MaxUint32 {
		return nil, fmt.Errorf("pwdb: too many tables")
	}
	var buf bytes.Buffer
	buf.Write(pwdbMagic)
	writeU32(&buf, pwdbVersion)
	writeU32(&buf, uint32(len(tables)))

	for _, t := range tables {
		if len(t.Name) > math.MaxUint16 {
			return nil, fmt.Errorf("pwdb: table name %q too long", t.Name[:32])
		}
		writeU16(&buf, uint16(len(t.Name)))
		buf.WriteString(t.Name)
		writeU32(&buf, uint32(len(t.Rows)))
		for _, row := range t.Rows {
			if !json.Valid(row) {
				return nil, fmt.Errorf("pwdb: table %s carries invalid JSON row", t.Name)
			}
			writeU32(&buf, uint32(len(row)))
			buf.Write(row)
		}
	}
	return buf.Bytes(), nil
}

// DecodePWDB parses the wire format. Used by tests and the export tooling.
// Every length header is checked against the bytes actually remaining, so a
// truncated or hostile payload fails instead of zero-padding or allocating
// unbounded buffers.
func DecodePWDB(data []byte) ([]Table, error) {
	r := bytes.NewReader(data)

	magic, err := readBytes(r, uint32(len(pwdbMagic)))
	if err != nil || !bytes.Equal(magic, pwdbMagic) {
		return nil, fmt.Errorf("pwdb: bad magic")
	}
	version, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("pwdb: read version: %w", err)
	}
	if version != pwdbVersion {
		return nil, fmt.Errorf("pwdb: unsupported version %d", version)
	}
	tableCount, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("pwdb: read table count: %w", err)
	}
	// Each table needs at least its name-length and row-count headers.
	if int64(tableCount) > int64(r.Len())/6 {
		return nil, fmt.Errorf("pwdb: table count %d exceeds input size", tableCount)
	}

	tables := make([]Table, 0, tableCount)
	for i := uint32(0); i < tableCount; i++ {
		nameLen, err := readU16(r)
		if err != nil {
			return nil, fmt.Errorf("pwdb: read name length: %w", err)
		}
		name, err := readBytes(r, uint32(nameLen))
		if err != nil {
			return nil, fmt.Errorf("pwdb: read name: %w", err)
		}
		rowCount, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("pwdb: read row count: %w", err)
		}
		// Every row carries at least its length prefix.
		if int64(rowCount) > int64(r.Len())/4 {
			return nil, fmt.Errorf("pwdb: table %s row count %d exceeds input size", name, rowCount)
		}
		t := Table{Name: string(name)}
		for j := uint32(0); j < rowCount; j++ {
			rowLen, err := readU32(r)
			if err != nil {
				return nil, fmt.Errorf("pwdb: read row length: %w", err)
			}
			row, err := readBytes(r, rowLen)
			if err != nil {
				return nil, fmt.Errorf("pwdb: read row: %w", err)
			}
			t.Rows = append(t.Rows, json.RawMessage(row))
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// readBytes reads exactly n bytes, bounding the allocation by the input
// that is actually left.
func readBytes(r *bytes.Reader, n uint32) ([]byte, error) {
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("need %d bytes, %d remain", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
