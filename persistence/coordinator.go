package persistence

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
)

// sentinelBlobSize is the word size (sizeof(size_t) on a 64-bit build):
// LastEntry on an empty log returns Term 0 and a zeroed blob of this length.
const sentinelBlobSize = 8

// LogEntry is opaque to this package: term, value-type tag, and blob
// bytes, as handed in by the Raft layer.
type LogEntry struct {
	Term      uint64
	ValueType uint8
	Blob      []byte
}

func (e LogEntry) clone() LogEntry {
	blob := make([]byte, len(e.Blob))
	copy(blob, e.Blob)
	return LogEntry{Term: e.Term, ValueType: e.ValueType, Blob: blob}
}

// Changelog is the public facade: directory index, in-memory
// index->entry and index->offset maps, the active writer, rotation
// policy, and every mutating operation. Single-writer, single-threaded
// from its own perspective (callers serialize access; see the `raft`
// package's use of `infra.Strand`).
type Changelog struct {
	dir            *segmentDirectory
	rotateInterval uint64
	prefix         string
	logger         *log.Logger

	writer *segmentWriter

	entries    map[uint64]LogEntry
	offsets    map[uint64]int64
	startIndex uint64
}

// New constructs a changelog rooted at dir, creating it if absent, and
// scans existing segment descriptors. rotateInterval must be positive.
func New(dir string, rotateInterval uint64) (*Changelog, error) {
	return NewWithConfig(Config{Dir: dir, RotateInterval: rotateInterval})
}

// Config is a plain struct, matching raft.Config's style in raft/raft.go.
type Config struct {
	Dir            string
	RotateInterval uint64
	Prefix         string
	Logger         *log.Logger
}

// NewWithConfig constructs a Changelog from an explicit Config.
func NewWithConfig(cfg Config) (*Changelog, error) {
	if cfg.RotateInterval == 0 {
		return nil, fmt.Errorf("%w: rotate interval must be positive", ErrLogicalError)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "INFO: ", log.Lmicroseconds|log.Lshortfile)
	}
	sd, err := openSegmentDirectory(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &Changelog{
		dir:            sd,
		rotateInterval: cfg.RotateInterval,
		prefix:         prefix,
		logger:         logger,
		entries:        make(map[uint64]LogEntry),
		offsets:        make(map[uint64]int64),
	}, nil
}

// ReadAndInit scans every segment whose ToIdx >= fromLogIdx, rebuilds
// the in-memory maps, drops any segment past the first incomplete one,
// and either reopens the trailing torn segment for append (truncating
// its torn suffix) or rotates to a fresh one.
func (c *Changelog) ReadAndInit(fromLogIdx uint64) error {
	if fromLogIdx == 0 {
		c.startIndex = 1
	} else {
		c.startIndex = fromLogIdx
	}

	var totalRead uint64
	var entriesInLast uint64
	var incompleteFromIdx uint64
	var lastResult ReadResult
	haveIncomplete := false

	for _, desc := range c.dir.Sorted() {
		entriesInLast = desc.ToIdx - desc.FromIdx + 1

		if desc.ToIdx < fromLogIdx {
			continue
		}

		reader := newSegmentReader(desc.Path, c.logger)
		lastResult = reader.Read(c.entries, fromLogIdx, c.offsets)
		totalRead += lastResult.EntriesRead

		if lastResult.EntriesRead < entriesInLast {
			incompleteFromIdx = desc.FromIdx
			haveIncomplete = true
			break
		}
	}

	if haveIncomplete {
		for _, desc := range c.dir.Sorted() {
			if desc.FromIdx > incompleteFromIdx {
				if err := c.dir.Remove(desc.FromIdx); err != nil {
					return err
				}
			}
		}
	}

	if !c.dir.Empty() && lastResult.EntriesRead < entriesInLast {
		last, _ := c.dir.last()
		writer, err := openSegmentWriter(last.Path, Append, last.FromIdx)
		if err != nil {
			return err
		}
		writer.SetEntriesWritten(lastResult.EntriesRead)
		if lastResult.Err {
			if err := writer.TruncateToLength(lastResult.LastPosition); err != nil {
				return err
			}
		}
		c.writer = writer
		return nil
	}

	return c.rotate(c.startIndex + totalRead)
}

// rotate flushes the current writer, registers a fresh descriptor
// covering [newStartLogIdx, newStartLogIdx+rotateInterval-1], and opens
// a new writer in Rewrite mode. Synchronous: returns only once the old
// segment is flushed and the new writer is open.
func (c *Changelog) rotate(newStartLogIdx uint64) error {
	if c.writer != nil {
		if err := c.writer.Flush(); err != nil {
			return err
		}
		if err := c.writer.Close(); err != nil {
			return err
		}
	}

	desc := SegmentDescriptor{
		Prefix:  c.prefix,
		FromIdx: newStartLogIdx,
		ToIdx:   newStartLogIdx + c.rotateInterval - 1,
	}
	desc.Path = segmentPath(c.dir.dir, desc.Prefix, desc.FromIdx, desc.ToIdx)
	c.dir.Register(desc)

	writer, err := openSegmentWriter(desc.Path, Rewrite, newStartLogIdx)
	if err != nil {
		return err
	}
	c.writer = writer
	return nil
}

// Append persists entry at index, rotating first if the active segment
// is full. Assumes indices arrive with stride 1; violations are caller
// bugs and should be routed through WriteAt instead.
func (c *Changelog) Append(index uint64, entry LogEntry, forceSync bool) error {
	if c.writer == nil {
		return fmt.Errorf("%w: changelog must be initialized before appending", ErrLogicalError)
	}

	if len(c.entries) == 0 {
		c.startIndex = index
	}

	if c.writer.EntriesWritten() == c.rotateInterval {
		if err := c.rotate(index); err != nil {
			return err
		}
	}

	offset, err := c.writer.AppendRecord(buildRecord(index, entry), forceSync)
	if err != nil {
		return err
	}
	if _, exists := c.offsets[index]; exists {
		return fmt.Errorf("%w: record with index %d already exists", ErrLogicalError, index)
	}
	c.offsets[index] = offset
	c.entries[index] = entry.clone()
	return nil
}

// WriteAt rolls back everything from index onward (crossing segment
// boundaries if necessary) and then appends entry at index. This is
// the Raft follower rollback path.
func (c *Changelog) WriteAt(index uint64, entry LogEntry, forceSync bool) error {
	offset, exists := c.offsets[index]
	if !exists {
		return fmt.Errorf("%w: cannot write at index %d, changelog doesn't contain it", ErrLogicalError, index)
	}

	needRollback := index < c.writer.StartIndex()
	// Highest index held by the active segment; removed entries above it
	// belong to later segments and do not count against entriesWritten.
	segmentEnd := ^uint64(0)
	if needRollback {
		desc, ok := c.dir.descriptorCovering(index)
		if !ok {
			return fmt.Errorf("%w: no segment covers index %d", ErrCorruptedData, index)
		}
		if err := c.writer.Close(); err != nil {
			return err
		}
		writer, err := openSegmentWriter(desc.Path, Append, desc.FromIdx)
		if err != nil {
			return err
		}
		writer.SetEntriesWritten(desc.ToIdx - desc.FromIdx + 1)
		c.writer = writer
		segmentEnd = desc.ToIdx
	}

	entriesWritten := c.writer.EntriesWritten()
	if err := c.writer.TruncateToLength(offset); err != nil {
		return err
	}

	if needRollback {
		for _, desc := range c.dir.Sorted() {
			if desc.FromIdx > index {
				if err := c.dir.Remove(desc.FromIdx); err != nil {
					return err
				}
			}
		}
	}

	for idx := range c.entries {
		if idx >= index {
			delete(c.entries, idx)
			delete(c.offsets, idx)
			if idx <= segmentEnd {
				entriesWritten--
			}
		}
	}
	c.writer.SetEntriesWritten(entriesWritten)

	return c.Append(index, entry, forceSync)
}

// Compact deletes every entry with Index <= upToLogIdx: whole segments
// are removed from disk, a straddling segment is kept in full, and
// start_index advances past the compacted range.
func (c *Changelog) Compact(upToLogIdx uint64) error {
	for _, desc := range c.dir.Sorted() {
		if desc.ToIdx > upToLogIdx {
			break
		}
		for idx := desc.FromIdx; idx <= desc.ToIdx; idx++ {
			if _, ok := c.offsets[idx]; !ok {
				break
			}
			delete(c.offsets, idx)
		}
		if err := c.dir.Remove(desc.FromIdx); err != nil {
			return err
		}
	}
	for idx := range c.entries {
		if idx <= upToLogIdx {
			delete(c.entries, idx)
		}
	}
	c.startIndex = upToLogIdx + 1
	return nil
}

// LastEntry returns a clone of the highest-index entry, or the
// sentinel empty entry if the log is empty.
func (c *Changelog) LastEntry() LogEntry {
	nextIdx := c.nextEntryIndex() - 1
	if e, ok := c.entries[nextIdx]; ok {
		return e.clone()
	}
	return LogEntry{Term: 0, Blob: make([]byte, sentinelBlobSize)}
}

func (c *Changelog) nextEntryIndex() uint64 {
	if len(c.entries) == 0 {
		return c.startIndex
	}
	return c.startIndex + uint64(len(c.entries))
}

// LastIndex returns the highest index held in memory. When no entries
// are held it returns startIndex-1: 0 for a log that has never held an
// entry (index 0 is reserved to mean "no entry"), or the compacted
// index after Compact has removed every entry.
func (c *Changelog) LastIndex() uint64 {
	return c.nextEntryIndex() - 1
}

// TermAt returns the term of the entry at idx, or 0 if absent.
func (c *Changelog) TermAt(idx uint64) uint64 {
	e, ok := c.EntryAt(idx)
	if !ok {
		return 0
	}
	return e.Term
}

// EntryAt returns a clone of the entry at idx, or ok=false if absent.
func (c *Changelog) EntryAt(idx uint64) (LogEntry, bool) {
	e, ok := c.entries[idx]
	if !ok {
		return LogEntry{}, false
	}
	return e.clone(), true
}

// EntriesBetween returns exactly end-start entries over the half-open
// range [start, end); absent slots are nil pointers.
func (c *Changelog) EntriesBetween(start, end uint64) []*LogEntry {
	out := make([]*LogEntry, 0, end-start)
	for i := start; i < end; i++ {
		if e, ok := c.EntryAt(i); ok {
			out = append(out, &e)
		} else {
			out = append(out, nil)
		}
	}
	return out
}

// SerializeEntries packs count entries starting at index into the bulk
// replication layout: i32 count, then per entry i32 size + blob bytes
// (the opaque serialized form is Term(8)+ValueType(1)+Blob).
func (c *Changelog) SerializeEntries(index uint64, count int32) ([]byte, error) {
	type packed struct {
		bytes []byte
	}
	items := make([]packed, 0, count)
	for i := uint64(0); i < uint64(count); i++ {
		e, ok := c.entries[index+i]
		if !ok {
			return nil, fmt.Errorf("%w: don't have log entry %d", ErrLogicalError, index+i)
		}
		items = append(items, packed{bytes: serializeEntry(e)})
	}

	total := 4
	for _, it := range items {
		total += 4 + len(it.bytes)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(count))
	pos := 4
	for _, it := range items {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(it.bytes)))
		pos += 4
		copy(buf[pos:], it.bytes)
		pos += len(it.bytes)
	}
	return buf, nil
}

// ApplyFromBuffer decodes a bulk buffer produced by SerializeEntries
// and writes its entries starting at index. The first entry may
// overwrite (routed through WriteAt) if index already exists.
func (c *Changelog) ApplyFromBuffer(index uint64, buf []byte, forceSync bool) error {
	if len(buf) < 4 {
		return fmt.Errorf("%w: truncated bulk buffer", ErrCorruptedData)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(buf) {
			return fmt.Errorf("%w: truncated bulk buffer", ErrCorruptedData)
		}
		size := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		if pos+int(size) > len(buf) {
			return fmt.Errorf("%w: truncated bulk buffer", ErrCorruptedData)
		}
		entryBytes := buf[pos : pos+int(size)]
		pos += int(size)

		entry, err := deserializeEntry(entryBytes)
		if err != nil {
			return err
		}

		curIdx := index + uint64(i)
		if i == 0 {
			if _, exists := c.entries[curIdx]; exists {
				if err := c.WriteAt(curIdx, entry, forceSync); err != nil {
					return err
				}
				continue
			}
		}
		if err := c.Append(curIdx, entry, forceSync); err != nil {
			return err
		}
	}
	return nil
}

// serializeEntry is the opaque wire form of one LogEntry used inside
// the bulk replication buffer: Term(8) + ValueType(1) + Blob.
func serializeEntry(e LogEntry) []byte {
	out := make([]byte, 9+len(e.Blob))
	binary.LittleEndian.PutUint64(out[0:8], e.Term)
	out[8] = e.ValueType
	copy(out[9:], e.Blob)
	return out
}

func deserializeEntry(b []byte) (LogEntry, error) {
	if len(b) < 9 {
		return LogEntry{}, fmt.Errorf("%w: truncated entry in bulk buffer", ErrCorruptedData)
	}
	term := binary.LittleEndian.Uint64(b[0:8])
	valueType := b[8]
	blob := make([]byte, len(b)-9)
	copy(blob, b[9:])
	return LogEntry{Term: term, ValueType: valueType, Blob: blob}, nil
}

// Flush fsyncs the current writer.
func (c *Changelog) Flush() error {
	if c.writer == nil {
		return nil
	}
	return c.writer.Flush()
}

// Close is the destructor-equivalent: attempts Flush, logging and
// swallowing any failure rather than propagating it.
func (c *Changelog) Close() error {
	if c.writer == nil {
		return nil
	}
	if err := c.Flush(); err != nil {
		c.logger.Printf("flush on close failed: %v", err)
	}
	return c.writer.Close()
}
