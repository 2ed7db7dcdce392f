package persistence

import (
	"io"
	"os"
)

// WriteMode controls how a segment file is opened for writing.
type WriteMode int

const (
	// Rewrite truncates any existing file; used on rotation.
	Rewrite WriteMode = iota
	// Append opens for append, creating if missing; used to reopen a
	// partially written tail segment after recovery.
	Append
)

// segmentWriter appends records to one segment file and tracks how many
// have been written and where the segment's index range starts.
type segmentWriter struct {
	path           string
	file           *os.File
	entriesWritten uint64
	startIndex     uint64
}

func openSegmentWriter(path string, mode WriteMode, startIndex uint64) (*segmentWriter, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if mode == Rewrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return nil, err
	}
	return &segmentWriter{path: path, file: f, startIndex: startIndex}, nil
}

// AppendRecord writes the record at the current end of file and returns
// the byte offset it was written at.
func (w *segmentWriter) AppendRecord(rec ChangelogRecord, sync bool) (int64, error) {
	offset, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if err := encodeRecord(w.file, rec); err != nil {
		return 0, err
	}
	w.entriesWritten++
	if sync {
		if err := w.file.Sync(); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// TruncateToLength flushes, truncates the file to n bytes, and repositions
// the write cursor at n.
func (w *segmentWriter) TruncateToLength(n int64) error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(n); err != nil {
		return err
	}
	_, err := w.file.Seek(n, io.SeekStart)
	return err
}

// Flush fsyncs the segment file.
func (w *segmentWriter) Flush() error {
	return w.file.Sync()
}

func (w *segmentWriter) Close() error {
	return w.file.Close()
}

func (w *segmentWriter) EntriesWritten() uint64 {
	return w.entriesWritten
}

func (w *segmentWriter) SetEntriesWritten(n uint64) {
	w.entriesWritten = n
}

func (w *segmentWriter) StartIndex() uint64 {
	return w.startIndex
}
