package coordinator

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.fedxact.dev/core/metrics"
	"go.fedxact.dev/core/xlog"
)

// State files carry entries whose insertion records have aged out of the
// replayed log. Layout: a fixed header, the prepared-transaction
// identifier, and a trailing CRC32C over everything before it. All fields
// are little-endian.
const (
	stateFileMagic   uint32 = 0x46585354
	stateFileVersion uint16 = 1
	stateFileHdrLen         = 26
)

var stateFileCRC = crc32.MakeTable(crc32.Castagnoli)

func stateFilePath(dir string, xid XID, serverID ServerID, userID UserID) string {
	return filepath.Join(dir, fmt.Sprintf("%08x-%08x-%08x", uint32(xid), uint32(serverID), uint32(userID)))
}

func marshalStateFile(status Status, xid XID, serverID ServerID, userID UserID, umid UMID, id []byte) []byte {
	var b = make([]byte, 0, stateFileHdrLen+len(id)+4)
	b = binary.LittleEndian.AppendUint32(b, stateFileMagic)
	b = binary.LittleEndian.AppendUint16(b, stateFileVersion)
	b = binary.LittleEndian.AppendUint16(b, uint16(status))
	b = binary.LittleEndian.AppendUint32(b, uint32(xid))
	b = binary.LittleEndian.AppendUint32(b, uint32(serverID))
	b = binary.LittleEndian.AppendUint32(b, uint32(userID))
	b = binary.LittleEndian.AppendUint32(b, uint32(umid))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(id)))
	b = append(b, id...)
	b = binary.LittleEndian.AppendUint32(b, crc32.Checksum(b, stateFileCRC))
	return b
}

type stateFileContents struct {
	status   Status
	xid      XID
	serverID ServerID
	userID   UserID
	umid     UMID
	id       []byte
}

func unmarshalStateFile(b []byte) (stateFileContents, error) {
	var out stateFileContents

	if len(b) < stateFileHdrLen+4 {
		return out, errors.WithMessagef(ErrStateFileCorrupt, "short file (%d bytes)", len(b))
	}
	var body, sum = b[:len(b)-4], binary.LittleEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(body, stateFileCRC) != sum {
		return out, errors.WithMessage(ErrStateFileCorrupt, "checksum mismatch")
	}
	if m := binary.LittleEndian.Uint32(b[0:4]); m != stateFileMagic {
		return out, errors.WithMessagef(ErrStateFileCorrupt, "bad magic %#x", m)
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != stateFileVersion {
		return out, errors.WithMessagef(ErrStateFileCorrupt, "unsupported version %d", v)
	}

	out.status = Status(binary.LittleEndian.Uint16(b[6:8]))
	out.xid = XID(binary.LittleEndian.Uint32(b[8:12]))
	out.serverID = ServerID(binary.LittleEndian.Uint32(b[12:16]))
	out.userID = UserID(binary.LittleEndian.Uint32(b[16:20]))
	out.umid = UMID(binary.LittleEndian.Uint32(b[20:24]))

	var n = int(binary.LittleEndian.Uint16(b[24:26]))
	if len(b) != stateFileHdrLen+n+4 {
		return out, errors.WithMessagef(ErrStateFileCorrupt, "bad identifier length %d", n)
	}
	out.id = append([]byte(nil), b[stateFileHdrLen:stateFileHdrLen+n]...)
	return out, nil
}

func removeStateFile(dir string, xid XID, serverID ServerID, userID UserID) error {
	var err = os.Remove(stateFilePath(dir, xid, serverID, userID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// writeStateFile durably writes the file through a temporary name, so a
// crash never leaves a torn file under the final name.
func writeStateFile(path string, b []byte) error {
	var tmp = path + ".tmp"

	var f, err = os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err = f.Write(b); err == nil {
		err = f.Sync()
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Checkpoint spills entries whose insertion records precede |redoHorizon|
// to the state-file directory, allowing the log before the horizon to be
// recycled. Entries already on disk are skipped.
func (c *Control) Checkpoint(redoHorizon xlog.LSN) error {
	type spill struct {
		e    *Entry
		data []byte
	}
	var spills []spill

	c.mu.RLock()
	for i := range c.entries {
		var e = &c.entries[i]

		e.mu.Lock()
		if e.status != StatusInvalid && e.valid && !e.ondisk && e.insertEndLSN <= redoHorizon {
			spills = append(spills, spill{
				e:    e,
				data: marshalStateFile(e.status, e.xid, e.serverID, e.userID, e.umid, e.id),
			})
		}
		e.mu.Unlock()
	}
	c.mu.RUnlock()

	var bytes uint64
	for _, s := range spills {
		var path = stateFilePath(c.stateDir, s.e.xid, s.e.serverID, s.e.userID)

		if err := writeStateFile(path, s.data); err != nil {
			return errors.Wrapf(err, "writing state file %s", path)
		}
		s.e.mu.Lock()
		s.e.ondisk = true
		s.e.mu.Unlock()

		bytes += uint64(len(s.data))
		metrics.FdwXactStateFilesTotal.Inc()
	}

	if len(spills) != 0 {
		log.WithFields(log.Fields{
			"files":   len(spills),
			"bytes":   humanize.IBytes(bytes),
			"horizon": redoHorizon,
		}).Info("checkpointed foreign transactions")
	}
	return nil
}
