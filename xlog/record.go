package xlog

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// RecordType discriminates log record payloads.
type RecordType uint8

const (
	// TypeInsertPrepare records that a foreign participant was prepared on
	// behalf of a local transaction.
	TypeInsertPrepare RecordType = 0x01
	// TypeRemovePrepare records the terminal resolution of a previously
	// prepared participant.
	TypeRemovePrepare RecordType = 0x02
)

// MaxPrepareIDLen bounds the participant-unique prepared-transaction
// identifier carried by an InsertPrepare record.
const MaxPrepareIDLen = 200

// InsertPrepare is the body of a TypeInsertPrepare record.
type InsertPrepare struct {
	DBID     uint32
	ServerID uint32
	UserID   uint32
	UMID     uint32
	LocalXID uint32
	ID       []byte
}

// RemovePrepare is the body of a TypeRemovePrepare record.
type RemovePrepare struct {
	DBID     uint32
	ServerID uint32
	UserID   uint32
	LocalXID uint32
}

// Marshal encodes the record body in its little-endian wire form.
func (r InsertPrepare) Marshal() ([]byte, error) {
	if len(r.ID) > MaxPrepareIDLen {
		return nil, errors.Errorf("prepared-transaction id is %d bytes (max %d)",
			len(r.ID), MaxPrepareIDLen)
	}
	var b = make([]byte, 0, 22+len(r.ID))
	b = binary.LittleEndian.AppendUint32(b, r.DBID)
	b = binary.LittleEndian.AppendUint32(b, r.ServerID)
	b = binary.LittleEndian.AppendUint32(b, r.UserID)
	b = binary.LittleEndian.AppendUint32(b, r.UMID)
	b = binary.LittleEndian.AppendUint32(b, r.LocalXID)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(r.ID)))
	b = append(b, r.ID...)
	return b, nil
}

// Unmarshal decodes an InsertPrepare body.
func (r *InsertPrepare) Unmarshal(b []byte) error {
	if len(b) < 22 {
		return errors.Errorf("short insert-prepare body (%d bytes)", len(b))
	}
	r.DBID = binary.LittleEndian.Uint32(b[0:4])
	r.ServerID = binary.LittleEndian.Uint32(b[4:8])
	r.UserID = binary.LittleEndian.Uint32(b[8:12])
	r.UMID = binary.LittleEndian.Uint32(b[12:16])
	r.LocalXID = binary.LittleEndian.Uint32(b[16:20])

	var n = int(binary.LittleEndian.Uint16(b[20:22]))
	if n > MaxPrepareIDLen || len(b) != 22+n {
		return errors.Errorf("malformed insert-prepare body (id length %d, body %d)", n, len(b))
	}
	r.ID = append([]byte(nil), b[22:]...)
	return nil
}

// Marshal encodes the record body in its little-endian wire form.
func (r RemovePrepare) Marshal() ([]byte, error) {
	var b = make([]byte, 0, 16)
	b = binary.LittleEndian.AppendUint32(b, r.DBID)
	b = binary.LittleEndian.AppendUint32(b, r.ServerID)
	b = binary.LittleEndian.AppendUint32(b, r.UserID)
	b = binary.LittleEndian.AppendUint32(b, r.LocalXID)
	return b, nil
}

// Unmarshal decodes a RemovePrepare body.
func (r *RemovePrepare) Unmarshal(b []byte) error {
	if len(b) != 16 {
		return errors.Errorf("malformed remove-prepare body (%d bytes)", len(b))
	}
	r.DBID = binary.LittleEndian.Uint32(b[0:4])
	r.ServerID = binary.LittleEndian.Uint32(b[4:8])
	r.UserID = binary.LittleEndian.Uint32(b[8:12])
	r.LocalXID = binary.LittleEndian.Uint32(b[12:16])
	return nil
}
