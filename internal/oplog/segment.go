package oplog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
)

// segment headers are a bare 8-byte big-endian start seq, written
// uncompressed so peekSegmentStart never has to spin up an lz4 reader just
// to answer "what seq does this file start at". The record stream that
// follows is lz4-framed so long-running masters don't let rollover files
// grow unbounded on disk.
const segmentHeaderSize = 8

func segmentFileName(index int) string {
	return fmt.Sprintf("oplog-%06d.log", index)
}

// logPath returns the path of on-disk segment i.
func (s *Store) logPath(index int) string {
	return filepath.Join(s.dataDir, segmentFileName(index))
}

// segmentWriter appends CachedOp records to one rollover file.
type segmentWriter struct {
	file  *os.File
	lz4w  *lz4.Writer
	index int
	start uint64
	count uint64
}

func createSegment(path string, index int, start uint64) (*segmentWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("oplog: create segment %s: %w", path, err)
	}
	var hdr [segmentHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[:], start)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("oplog: write segment header: %w", err)
	}
	return &segmentWriter{file: f, lz4w: lz4.NewWriter(f), index: index, start: start}, nil
}

func (w *segmentWriter) append(op CachedOp) error {
	if err := encodeOp(w.lz4w, op); err != nil {
		return fmt.Errorf("oplog: append to segment %d: %w", w.index, err)
	}
	// A catch-up task may replay this segment while it is still being
	// written; flushing per record keeps every appended op readable.
	if err := w.lz4w.Flush(); err != nil {
		return fmt.Errorf("oplog: flush segment %d: %w", w.index, err)
	}
	w.count++
	return nil
}

func (w *segmentWriter) close() error {
	if err := w.lz4w.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// peekSegmentStart reads just the 8-byte header of segment i without
// decompressing or decoding any records.
func peekSegmentStart(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var hdr [segmentHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, fmt.Errorf("oplog: read segment header %s: %w", path, err)
	}
	return binary.BigEndian.Uint64(hdr[:]), nil
}

// segmentReader streams ops out of an on-disk segment file, closed or
// still being written, in ascending seq order.
type segmentReader struct {
	file  *os.File
	br    *byteReaderAdapter
	start uint64
}

func openSegment(path string) (*segmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var hdr [segmentHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("oplog: read segment header %s: %w", path, err)
	}
	return &segmentReader{
		file:  f,
		br:    &byteReaderAdapter{r: lz4.NewReader(f)},
		start: binary.BigEndian.Uint64(hdr[:]),
	}, nil
}

// next decodes the next op from the segment, or returns io.EOF when
// exhausted. A still-open segment ends mid-frame after its last flushed
// record; that surfaces as a bare ErrUnexpectedEOF at a record boundary
// and reads the same as exhaustion (the next replay tick reopens the
// file and picks up whatever has been flushed since).
func (r *segmentReader) next() (CachedOp, error) {
	op, err := decodeOp(r.br)
	if err == io.ErrUnexpectedEOF {
		return CachedOp{}, io.EOF
	}
	return op, err
}

func (r *segmentReader) close() error {
	return r.file.Close()
}

// byteReaderAdapter wraps an io.Reader lacking ReadByte (lz4.Reader has no
// buffering of its own at the single-byte granularity decodeOp wants).
type byteReaderAdapter struct {
	r   io.Reader
	buf [1]byte
}

func (a *byteReaderAdapter) ReadByte() (byte, error) {
	if _, err := io.ReadFull(a.r, a.buf[:]); err != nil {
		return 0, err
	}
	return a.buf[0], nil
}
