package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/novacore/internal/metrics"
	"github.com/tuannm99/novacore/pkg/bx"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test"+Suffix)
	w, err := Create(path)
	require.NoError(t, err)
	return w, path
}

func payload(i int) []byte { return []byte(fmt.Sprintf("record-%04d", i)) }

func readAll(t *testing.T, w *Log) [][]byte {
	t.Helper()
	w.Rewind()
	var out [][]byte
	for {
		p, err := w.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, p)
	}
}

func TestLog_RoundTripAcrossReopen(t *testing.T) {
	w, path := newTestLog(t)
	for i := range 50 {
		require.NoError(t, w.Append(payload(i)))
	}
	require.NoError(t, w.Close())

	w, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	got := readAll(t, w)
	require.Len(t, got, 50)
	for i, p := range got {
		require.Equal(t, payload(i), p)
	}

	// replay is repeatable after Rewind
	require.Len(t, readAll(t, w), 50)
}

func TestLog_CorruptLastRecordIsTruncated(t *testing.T) {
	w, path := newTestLog(t)
	for i := range 10 {
		require.NoError(t, w.Append(payload(i)))
	}
	sizeBefore := w.Size()
	require.NoError(t, w.Close())

	// flip the stored checksum of the final record
	last := sizeBefore - int64(recHeader+len(payload(9)))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	var b [4]byte
	_, err = f.ReadAt(b[:], last+offChecksum)
	require.NoError(t, err)
	bx.PutU32(b[:], bx.U32(b[:])^0xFFFF)
	_, err = f.WriteAt(b[:], last+offChecksum)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path)
	require.NoError(t, err)

	got := readAll(t, w)
	require.Len(t, got, 9)
	require.Equal(t, payload(8), got[8])
	require.Equal(t, last, w.Size())

	// appending after repair keeps the log consistent
	require.NoError(t, w.Append(payload(100)))
	require.NoError(t, w.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	got = readAll(t, w)
	require.Len(t, got, 10)
	require.Equal(t, payload(100), got[9])
}

func TestLog_PartialTailIsDropped(t *testing.T) {
	w, path := newTestLog(t)
	for i := range 3 {
		require.NoError(t, w.Append(payload(i)))
	}
	valid := w.Size()
	require.NoError(t, w.Close())

	// a header promising more bytes than were written
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0x00, 0x00, 0x00, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.Equal(t, valid, w.Size())
	require.Len(t, readAll(t, w), 3)
}

func TestLog_RecordWrittenBeforeHeaderUpdate(t *testing.T) {
	w, path := newTestLog(t)
	require.NoError(t, w.Append(payload(0)))
	valid := w.Size()
	require.NoError(t, w.Close())

	// complete record on disk, file checksum never updated
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(wrap(payload(1)))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.Equal(t, valid, w.Size())
	require.Equal(t, [][]byte{payload(0)}, readAll(t, w))
}

func TestLog_BadFileChecksumIsFatal(t *testing.T) {
	w, path := newTestLog(t)
	for i := range 3 {
		require.NoError(t, w.Append(payload(i)))
	}
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{1, 2, 3, 4}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, ErrBadLogFile)
}

func TestLog_CorruptMiddleRecordIsFatal(t *testing.T) {
	w, path := newTestLog(t)
	for i := range 5 {
		require.NoError(t, w.Append(payload(i)))
	}
	require.NoError(t, w.Close())

	// payload byte of the second record
	off := int64(offData + recHeader + len(payload(0)) + recHeader)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'#'}, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, ErrBadLogFile)
}

func TestLog_CreateOpenErrors(t *testing.T) {
	w, path := newTestLog(t)
	require.NoError(t, w.Close())

	_, err := Create(path)
	require.ErrorIs(t, err, ErrFileExists)

	_, err = Open(filepath.Join(t.TempDir(), "missing"+Suffix))
	require.ErrorIs(t, err, ErrFileNotExists)

	require.NoError(t, os.WriteFile(path, []byte{1, 2}, 0o644))
	_, err = Open(path)
	require.ErrorIs(t, err, ErrBadLogFile)
}

func TestLog_ConcurrentAppend(t *testing.T) {
	reg := prometheus.NewRegistry()
	path := filepath.Join(t.TempDir(), "conc"+Suffix)
	w, err := Create(path, WithMetrics(metrics.New(reg)))
	require.NoError(t, err)

	var g errgroup.Group
	for i := range 64 {
		g.Go(func() error { return w.Append(payload(i)) })
	}
	require.NoError(t, g.Wait())
	require.NoError(t, w.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	got := readAll(t, w)
	require.Len(t, got, 64)
	names := make([]string, len(got))
	for i, p := range got {
		names[i] = string(p)
	}
	sort.Strings(names)
	for i := range 64 {
		require.Equal(t, string(payload(i)), names[i])
	}
}

func TestLog_Truncate(t *testing.T) {
	w, path := newTestLog(t)
	require.NoError(t, w.Append(payload(0)))
	cut := w.Size()
	require.NoError(t, w.Append(payload(1)))

	require.Error(t, w.Truncate(cut+1))
	require.NoError(t, w.Truncate(cut))
	require.Equal(t, [][]byte{payload(0)}, readAll(t, w))
	require.NoError(t, w.Close())

	_, err := w.Next()
	require.ErrorIs(t, err, ErrClosed)

	w, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.Len(t, readAll(t, w), 1)
}

func TestChecksum_SignedFold(t *testing.T) {
	require.Equal(t, uint32(0), Checksum(0, nil))
	require.Equal(t, uint32(1), Checksum(0, []byte{1}))
	// bytes above 0x7F fold as negative values
	require.Equal(t, uint32(0xFFFFFFFF), Checksum(0, []byte{0xFF}))
	require.Equal(t, uint32(1*13331+2), Checksum(0, []byte{1, 2}))
}
