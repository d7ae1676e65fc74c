// Package pearl implements the Holder: one time-partitioned append-only
// storage instance (the "pearl"), gating reads and writes on a
// small state machine and consulting an in-RAM bloom filter before
// falling through to the on-disk index.
package pearl

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/golang/glog"

	"github.com/bobstore/bob/blobfmt"
	"github.com/bobstore/bob/cmn"
)

// State is the holder's lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateNormal
)

func (s State) String() string {
	if s == StateNormal {
		return "Normal"
	}
	return "Initializing"
}

const defaultBlobPrefix = "bob"

// Holder owns one `[StartTimestamp, EndTimestamp)` partition: its
// directory, its blob file, its in-memory record index, and its bloom
// filter.
type Holder struct {
	StartTimestamp uint64
	EndTimestamp   uint64
	Dir            string

	allowDuplicates bool
	compress        bool
	validateEvery   int
	prefix          string

	mu     sync.RWMutex
	state  State
	filter *blobfmt.BloomFilter

	// records maps a key to the record with the largest timestamp appended
	// under it (an equal timestamp goes to the later append); under
	// allow_duplicates older copies stay in the blob file but are not
	// indexed, since readers return the max-timestamp copy.
	records map[cmn.Key]blobfmt.Record

	file      *os.File // active blob file, nil when closed
	fileSize  int64
	blobBytes []byte // in-memory cache of bytes appended since open

	// recent tracks the offsets and raw bytes of the last validate_every
	// appended records, for the write-back verification pass.
	recent []recentWrite
}

type recentWrite struct {
	off int64
	raw []byte
}

// New constructs a holder in Initializing state for the partition
// `[start, start+period)`.
func New(start, period uint64, dir string, bloom cmn.BloomConf, allowDuplicates bool) *Holder {
	return &Holder{
		StartTimestamp:  start,
		EndTimestamp:    start + period,
		Dir:             dir,
		allowDuplicates: allowDuplicates,
		prefix:          defaultBlobPrefix,
		state:           StateInitializing,
		filter:          blobfmt.NewBloomFilter(bloom),
		records:         make(map[cmn.Key]blobfmt.Record),
	}
}

// SetCompressValues toggles LZ4 framing of written payloads;
// off by default, wired from cmn.PearlConf.CompressValues.
func (h *Holder) SetCompressValues(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.compress = v
}

// SetValidateEvery enables the write-back verification of the last n
// appended records: after each append the holder re-reads them
// from disk and byte-compares against what it wrote; a mismatch aborts
// the write.
func (h *Holder) SetValidateEvery(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.validateEvery = n
}

// SetBlobFilePrefix overrides the blob/index file name prefix, wired
// from cmn.PearlConf.BlobFileNamePrefix.
func (h *Holder) SetBlobFilePrefix(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p != "" {
		h.prefix = p
	}
}

func (h *Holder) blobPath() string {
	return filepath.Join(h.Dir, blobfmt.BlobFileName(h.prefix, 0))
}

func (h *Holder) indexPath() string {
	return filepath.Join(h.Dir, blobfmt.IndexFileName(h.prefix, 0))
}

// Contains reports whether ts falls in this holder's half-open interval.
func (h *Holder) Contains(ts uint64) bool {
	return ts >= h.StartTimestamp && ts < h.EndTimestamp
}

// PrepareStorage creates the on-disk directory if needed, recovers the
// in-memory index from any existing blob file, and transitions
// Initializing -> Normal. Recovery stops
// at the first corrupt record and truncates the trailing garbage, so the
// valid prefix survives.
func (h *Holder) PrepareStorage() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateNormal {
		return nil
	}
	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return cmn.NewStorage("prepare_storage: " + err.Error())
	}
	if err := h.recoverLocked(); err != nil {
		return err
	}
	h.state = StateNormal
	glog.V(cmn.SmoduleVerbose).Infof("pearl: holder %d prepared, dir=%s", h.StartTimestamp, h.Dir)
	return nil
}

func (h *Holder) recoverLocked() error {
	raw, err := os.ReadFile(h.blobPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cmn.NewStorage("recover: " + err.Error())
	}
	if len(raw) == 0 {
		return nil
	}
	_, body, err := blobfmt.SplitBlobHeader(raw)
	if err != nil {
		return err
	}
	records, consumed := blobfmt.RecoveryWalk(body)
	for _, rec := range records {
		key := rec.Header.Key
		if existing, ok := h.records[key]; !ok || rec.Header.Created >= existing.Header.Created {
			h.records[key] = rec
		}
		h.filter.Add(key)
	}
	if consumed < len(body) {
		valid := raw[:len(raw)-len(body)+consumed]
		glog.Warningf("pearl: holder %d blob has %d trailing corrupt bytes, truncating",
			h.StartTimestamp, len(body)-consumed)
		if err := os.WriteFile(h.blobPath(), valid, 0o644); err != nil {
			return cmn.NewStorage("recover truncate: " + err.Error())
		}
	}
	return nil
}

// openActiveBlobLocked opens the blob file for append, writing the blob
// header first when the file is new.
func (h *Holder) openActiveBlobLocked() error {
	f, err := os.OpenFile(h.blobPath(), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return cmn.NewStorage("open blob: " + err.Error())
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return cmn.NewStorage("stat blob: " + err.Error())
	}
	size := st.Size()
	if size == 0 {
		hdr := blobfmt.NewBlobHeader(0).Marshal()
		if _, err := f.Write(hdr); err != nil {
			f.Close()
			return cmn.NewStorage("write blob header: " + err.Error())
		}
		size = int64(len(hdr))
	}
	h.file = f
	h.fileSize = size
	return nil
}

// Write appends data under key. If allow_duplicates is false and the key
// already exists, returns DuplicateKey, which G treats as idempotent
// success.
func (h *Holder) Write(key cmn.Key, data cmn.BlobData) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateNormal {
		return cmn.NewVDiskIsNotReady()
	}
	if !h.allowDuplicates {
		if _, ok := h.records[key]; ok {
			return cmn.NewDuplicateKey()
		}
	}
	if h.file == nil {
		if err := h.openActiveBlobLocked(); err != nil {
			return err
		}
	}
	rec := blobfmt.NewRecord(key, nil, data, uint64(h.fileSize), h.compress)
	raw := rec.Marshal()
	if _, err := h.file.Write(raw); err != nil {
		return cmn.NewStorage("append: " + err.Error())
	}
	off := h.fileSize
	h.fileSize += int64(len(raw))
	h.blobBytes = append(h.blobBytes, raw...)
	if h.validateEvery > 0 {
		h.recent = append(h.recent, recentWrite{off: off, raw: raw})
		if len(h.recent) > h.validateEvery {
			h.recent = h.recent[len(h.recent)-h.validateEvery:]
		}
		if err := h.verifyRecentLocked(); err != nil {
			return err
		}
	}
	if existing, ok := h.records[key]; !ok || data.Timestamp >= existing.Header.Created {
		h.records[key] = rec
	}
	h.filter.Add(key)
	return nil
}

// verifyRecentLocked re-reads the last validate_every written records
// from disk and byte-compares them against the in-memory cache;
// a mismatch aborts the write with a Storage error.
func (h *Holder) verifyRecentLocked() error {
	buf := make([]byte, 0, 512)
	for _, w := range h.recent {
		if cap(buf) < len(w.raw) {
			buf = make([]byte, len(w.raw))
		}
		buf = buf[:len(w.raw)]
		if _, err := h.file.ReadAt(buf, w.off); err != nil {
			return cmn.NewStorage("write-back read: " + err.Error())
		}
		if !bytes.Equal(buf, w.raw) {
			return cmn.NewStorage("write-back validation mismatch")
		}
	}
	return nil
}

// Read returns the freshest stored record for key.
func (h *Holder) Read(key cmn.Key) (cmn.BlobData, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state != StateNormal {
		return cmn.BlobData{}, cmn.NewVDiskIsNotReady()
	}
	if !h.filter.Check(key) {
		return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
	}
	rec, ok := h.records[key]
	if !ok {
		return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
	}
	return rec.BlobData(), nil
}

// Exist reports presence, consulting the bloom filter first when loaded.
func (h *Holder) Exist(key cmn.Key) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state != StateNormal {
		return false, cmn.NewVDiskIsNotReady()
	}
	if !h.filter.Check(key) {
		return false, nil
	}
	_, ok := h.records[key]
	return ok, nil
}

// Close flushes the index companion file and releases the blob file
// handle; it logs and never panics.
func (h *Holder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeActiveBlobLocked()
	glog.V(cmn.SmoduleVerbose).Infof("pearl: closed holder %d", h.StartTimestamp)
}

// DropDirectory removes the holder's on-disk directory.
func (h *Holder) DropDirectory() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file != nil {
		h.file.Close()
		h.file = nil
	}
	if err := os.RemoveAll(h.Dir); err != nil {
		return cmn.NewStorage("drop_directory: " + err.Error())
	}
	return nil
}

// CloseActiveBlob releases the file handle and the in-memory write cache
// of the active blob. The key index and bloom filter are untouched, so reads stay
// correct; the next Write reopens the file for append.
func (h *Holder) CloseActiveBlob() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeActiveBlobLocked()
}

func (h *Holder) closeActiveBlobLocked() {
	if h.file != nil {
		if err := h.file.Close(); err != nil {
			glog.Warningf("pearl: closing holder %d blob: %v", h.StartTimestamp, err)
		}
		h.file = nil
	}
	h.blobBytes = nil
	h.recent = nil
	h.writeIndexLocked()
}

// writeIndexLocked dumps the companion index file: header, bloom bytes,
// and one record header per resident key.
func (h *Holder) writeIndexLocked() {
	if len(h.records) == 0 {
		return
	}
	filterBytes := h.filter.Marshal()
	idx := blobfmt.Index{
		Header:  blobfmt.NewIndexHeader(uint64(len(h.records)), uint64(len(filterBytes))),
		Filter:  filterBytes,
		Records: make([]blobfmt.RecordHeader, 0, len(h.records)),
	}
	for _, rec := range h.records {
		idx.Records = append(idx.Records, rec.Header)
	}
	if err := os.WriteFile(h.indexPath(), idx.Marshal(), 0o644); err != nil {
		glog.Warningf("pearl: writing holder %d index: %v", h.StartTimestamp, err)
	}
}

// ActiveBlobMemoryUsage reports the resident size of the active-blob
// write cache, in bytes.
func (h *Holder) ActiveBlobMemoryUsage() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.blobBytes))
}

// OffloadFilter drops the in-RAM bloom buffer, freeing memory; the
// governor calls this when evicting cold filters.
func (h *Holder) OffloadFilter() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter.Offload()
}

// RebuildFilter reconstructs the bloom filter from the resident index.
// Exist does not call it: while the filter is offloaded, Exist falls
// through to the index.
func (h *Holder) RebuildFilter() {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]cmn.Key, 0, len(h.records))
	for k := range h.records {
		keys = append(keys, k)
	}
	h.filter.Rebuild(keys)
}

// FilterLoaded reports whether the bloom buffer is currently resident.
func (h *Holder) FilterLoaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.filter.Loaded()
}

// FilterMemoryUsage reports the resident bloom filter's byte size, 0 when
// offloaded.
func (h *Holder) FilterMemoryUsage() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.filter.MemoryUsage()
}

// RecordCount reports the number of distinct keys indexed in this
// holder, used by the periodic counts log in tasks.
func (h *Holder) RecordCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// State returns the holder's current lifecycle state.
func (h *Holder) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// PartitionDir builds the conventional `<group>/<start_timestamp>/`
// on-disk path for a partition.
func PartitionDir(groupDir string, start uint64) string {
	return filepath.Join(groupDir, strconv.FormatUint(start, 10))
}
