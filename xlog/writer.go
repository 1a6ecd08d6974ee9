package xlog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Writer is the append surface of the write-ahead log. Appends are buffered
// and become durable only after Flush returns.
type Writer interface {
	// Append stages a record and returns the LSN extent it will occupy.
	Append(typ RecordType, body []byte) (start, end LSN, err error)
	// Flush syncs all staged records to stable storage.
	Flush() error
	// FlushedLSN returns the LSN through which the log is known durable.
	FlushedLSN() LSN
}

const (
	logMagic   uint32 = 0x46584C47
	logVersion uint32 = 1
	// preambleLen is the file offset of the first record, and therefore the
	// smallest valid LSN.
	preambleLen = 8
	// frameLen is the per-record framing overhead: type, length, checksum.
	frameLen = 9
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrBadRecord is returned by a Reader upon a torn or corrupted record.
var ErrBadRecord = errors.New("bad log record")

// FileWriter is a file-backed Writer. It is safe for concurrent use.
type FileWriter struct {
	path string

	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	end     LSN // Offset of the next append.
	flushed LSN // Offset through which the file is synced.
}

// OpenWriter opens or creates the log at |path| and positions for append.
// A torn tail left by a crash mid-append is truncated away; records which
// were fully flushed are never affected.
func OpenWriter(path string) (*FileWriter, error) {
	var file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "opening log")
	}

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat of log")
	}

	var end LSN
	if info.Size() == 0 {
		var pre = make([]byte, 0, preambleLen)
		pre = binary.LittleEndian.AppendUint32(pre, logMagic)
		pre = binary.LittleEndian.AppendUint32(pre, logVersion)

		if _, err = file.Write(pre); err != nil {
			return nil, errors.Wrap(err, "writing log preamble")
		} else if err = file.Sync(); err != nil {
			return nil, errors.Wrap(err, "syncing log preamble")
		}
		end = preambleLen
	} else {
		var r *Reader
		if r, err = newReader(file); err != nil {
			return nil, err
		}
		end = preambleLen

		for {
			var rec, err2 = r.Next()
			if err2 == io.EOF {
				break
			} else if errors.Cause(err2) == ErrBadRecord {
				log.WithFields(log.Fields{"path": path, "lsn": end}).
					Warn("truncating torn log tail")
				break
			} else if err2 != nil {
				return nil, err2
			}
			end = rec.End
		}
		if err = file.Truncate(int64(end)); err != nil {
			return nil, errors.Wrap(err, "truncating log")
		} else if _, err = file.Seek(int64(end), io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seeking log end")
		}
	}

	return &FileWriter{
		path:    path,
		file:    file,
		buf:     bufio.NewWriter(file),
		end:     end,
		flushed: end,
	}, nil
}

// Append stages a framed record and returns its LSN extent.
func (w *FileWriter) Append(typ RecordType, body []byte) (LSN, LSN, error) {
	var frame = make([]byte, 0, frameLen)
	frame = append(frame, byte(typ))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(body)))

	var sum = crc32.Update(0, castagnoli, frame[:5])
	sum = crc32.Update(sum, castagnoli, body)
	frame = binary.LittleEndian.AppendUint32(frame, sum)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.buf.Write(frame); err != nil {
		return InvalidLSN, InvalidLSN, errors.Wrap(err, "appending record frame")
	}
	if _, err := w.buf.Write(body); err != nil {
		return InvalidLSN, InvalidLSN, errors.Wrap(err, "appending record body")
	}

	var start = w.end
	w.end += LSN(frameLen + len(body))
	return start, w.end, nil
}

// Flush syncs staged records to stable storage and advances FlushedLSN.
func (w *FileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.end == w.flushed {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return errors.Wrap(err, "flushing log buffer")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "syncing log")
	}

	log.WithFields(log.Fields{
		"path":  w.path,
		"lsn":   w.end,
		"bytes": humanize.IBytes(uint64(w.end - w.flushed)),
	}).Debug("flushed log")

	w.flushed = w.end
	return nil
}

// FlushedLSN returns the LSN through which the log is durable.
func (w *FileWriter) FlushedLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed
}

// EndLSN returns the LSN at which the next record will begin.
func (w *FileWriter) EndLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.end
}

// Close flushes and closes the log.
func (w *FileWriter) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
