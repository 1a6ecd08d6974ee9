package xlog

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestInsertPrepareCodec(t *testing.T) {
	var in = InsertPrepare{
		DBID:     7,
		ServerID: 11,
		UserID:   13,
		UMID:     17,
		LocalXID: 1234,
		ID:       []byte("fx_1234_11_13"),
	}
	var b, err = in.Marshal()
	require.NoError(t, err)

	var out InsertPrepare
	require.NoError(t, out.Unmarshal(b))
	require.Equal(t, in, out)

	// Case: oversized id is rejected on marshal.
	in.ID = bytes.Repeat([]byte{'x'}, MaxPrepareIDLen+1)
	_, err = in.Marshal()
	require.Error(t, err)

	// Case: a truncated body is rejected on unmarshal.
	require.Error(t, out.Unmarshal(b[:10]))
	// Case: trailing garbage is rejected on unmarshal.
	require.Error(t, out.Unmarshal(append(b, 0xff)))
}

func TestRemovePrepareCodec(t *testing.T) {
	var in = RemovePrepare{DBID: 7, ServerID: 11, UserID: 13, LocalXID: 1234}
	var b, err = in.Marshal()
	require.NoError(t, err)
	require.Len(t, b, 16)

	var out RemovePrepare
	require.NoError(t, out.Unmarshal(b))
	require.Equal(t, in, out)

	require.Error(t, out.Unmarshal(b[:12]))
}

func TestWriterRoundTrip(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "xlog")

	var w, err = OpenWriter(path)
	require.NoError(t, err)
	require.Equal(t, LSN(preambleLen), w.EndLSN())

	start1, end1, err := w.Append(TypeInsertPrepare, []byte("first"))
	require.NoError(t, err)
	require.Equal(t, LSN(preambleLen), start1)
	require.Equal(t, start1+frameLen+5, end1)

	start2, end2, err := w.Append(TypeRemovePrepare, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, end1, start2)

	// Appends are not durable until Flush.
	require.Equal(t, LSN(preambleLen), w.FlushedLSN())
	require.NoError(t, w.Flush())
	require.Equal(t, end2, w.FlushedLSN())
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeInsertPrepare, rec.Type)
	require.Equal(t, []byte("first"), rec.Body)
	require.Equal(t, start1, rec.Start)
	require.Equal(t, end1, rec.End)

	rec, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeRemovePrepare, rec.Type)

	_, err = r.Next()
	require.Equal(t, io.EOF, err)

	// Case: random access by start LSN.
	rec, err = r.ReadAt(start2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), rec.Body)
}

func TestWriterReopensAndAppends(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "xlog")

	var w, err = OpenWriter(path)
	require.NoError(t, err)
	_, end, err := w.Append(TypeInsertPrepare, []byte("one"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = OpenWriter(path)
	require.NoError(t, err)
	require.Equal(t, end, w.EndLSN())
	require.Equal(t, end, w.FlushedLSN())

	_, _, err = w.Append(TypeInsertPrepare, []byte("two"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	var bodies []string
	for {
		var rec, err = r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		bodies = append(bodies, string(rec.Body))
	}
	require.Equal(t, []string{"one", "two"}, bodies)
}

func TestWriterTruncatesTornTail(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "xlog")

	var w, err = OpenWriter(path)
	require.NoError(t, err)
	_, end, err := w.Append(TypeInsertPrepare, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash mid-append by writing a partial frame at the tail.
	var f *os.File
	f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(TypeRemovePrepare), 0xff, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = OpenWriter(path)
	require.NoError(t, err)
	require.Equal(t, end, w.EndLSN())
	require.NoError(t, w.Close())

	// The durable record survives.
	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), rec.Body)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestReaderRejectsCorruption(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "xlog")

	var w, err = OpenWriter(path)
	require.NoError(t, err)
	var start LSN
	start, _, err = w.Append(TypeInsertPrepare, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flip a body byte.
	var f *os.File
	f, err = os.OpenFile(path, os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, int64(start)+frameLen)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.Equal(t, ErrBadRecord, errors.Cause(err))
}

func TestLSNFormatting(t *testing.T) {
	require.Equal(t, "0/0", InvalidLSN.String())
	require.Equal(t, "1/2A", LSN(0x10000002A).String())
	require.False(t, InvalidLSN.IsValid())
	require.True(t, LSN(8).IsValid())
}
