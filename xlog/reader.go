package xlog

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Record is one framed log record as read back from the log.
type Record struct {
	Type  RecordType
	Body  []byte
	Start LSN
	End   LSN
}

// Reader iterates records of a log file in LSN order.
type Reader struct {
	file   *os.File
	offset LSN
	owned  bool
}

// OpenReader opens the log at |path| for iteration from the first record.
func OpenReader(path string) (*Reader, error) {
	var file, err = os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening log")
	}
	r, err := newReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

func newReader(file *os.File) (*Reader, error) {
	var pre = make([]byte, preambleLen)
	if _, err := file.ReadAt(pre, 0); err != nil {
		return nil, errors.Wrap(err, "reading log preamble")
	}
	if m := binary.LittleEndian.Uint32(pre[0:4]); m != logMagic {
		return nil, errors.Errorf("bad log magic %#x", m)
	}
	if v := binary.LittleEndian.Uint32(pre[4:8]); v != logVersion {
		return nil, errors.Errorf("unsupported log version %d", v)
	}
	return &Reader{file: file, offset: preambleLen}, nil
}

// Next returns the next record, io.EOF at the clean end of the log, or an
// error wrapping ErrBadRecord upon a torn or corrupted record.
func (r *Reader) Next() (Record, error) {
	var rec, err = r.ReadAt(r.offset)
	if err != nil {
		return Record{}, err
	}
	r.offset = rec.End
	return rec, nil
}

// ReadAt returns the record beginning at |start|.
func (r *Reader) ReadAt(start LSN) (Record, error) {
	var frame = make([]byte, frameLen)

	switch _, err := r.file.ReadAt(frame, int64(start)); err {
	case nil:
	case io.EOF:
		// Distinguish a clean end from a torn frame.
		if info, err2 := r.file.Stat(); err2 == nil && int64(start) >= info.Size() {
			return Record{}, io.EOF
		}
		return Record{}, errors.Wrapf(ErrBadRecord, "torn frame at %s", start)
	default:
		return Record{}, errors.Wrapf(err, "reading frame at %s", start)
	}

	var bodyLen = binary.LittleEndian.Uint32(frame[1:5])
	var sum = binary.LittleEndian.Uint32(frame[5:9])

	var body = make([]byte, bodyLen)
	if _, err := r.file.ReadAt(body, int64(start)+frameLen); err != nil {
		return Record{}, errors.Wrapf(ErrBadRecord, "torn body at %s", start)
	}

	var actual = crc32.Update(0, castagnoli, frame[:5])
	actual = crc32.Update(actual, castagnoli, body)
	if actual != sum {
		return Record{}, errors.Wrapf(ErrBadRecord, "checksum mismatch at %s", start)
	}

	return Record{
		Type:  RecordType(frame[0]),
		Body:  body,
		Start: start,
		End:   start + LSN(frameLen) + LSN(bodyLen),
	}, nil
}

// Close closes the Reader, and its file if the Reader opened it.
func (r *Reader) Close() error {
	if r.owned {
		return r.file.Close()
	}
	return nil
}
