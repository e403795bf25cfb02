// Package wal implements the LogManager collaborator: accepted by the
// Cache Manager at construction, not invoked by it. It is a reserved
// write-ahead-log integration point, not part of the buffer pool's hot
// path — the pool never calls AppendPageImage itself; a caller above it
// that wants durability logs a page image before asking the pool to flush.
package wal

import (
	"bufio"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/novabuf/bufferpool/internal/bx"
	"github.com/novabuf/bufferpool/internal/page"
)

var (
	ErrBadMagic  = errors.New("wal: bad magic")
	ErrBadCRC    = errors.New("wal: bad crc")
	ErrBadRecord = errors.New("wal: bad record")
	ErrShortRead = errors.New("wal: short read")
	ErrNoWALFile = errors.New("wal: log file not open")
)

const (
	magicU32   uint32 = 0x4c41574e // "NWAL"
	versionU16        = 1

	recPageImage uint8 = 1

	fileMode0644 = 0o644
	fileMode0755 = 0o755

	// fixed record header length, before the variable-length page image:
	// magic(4) ver(2) typ(1) rsv(1) totalLen(4) crc(4) lsn(8) pageID(4)
	fixedHeaderLen = 4 + 2 + 1 + 1 + 4 + 4 + 8 + 4
)

// PageWriter lets Recover replay redo records without importing the disk
// package back; disk.FileManager satisfies it as-is.
type PageWriter interface {
	WritePage(id page.ID, src *page.Page) error
}

// Manager appends page-image records to an append-only log file and can
// replay them against a PageWriter. It does not share the manager latch —
// it's a separate collaborator, not a sub-component of the Cache Manager.
type Manager struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	lsn     uint64
	flushed uint64
}

// Open opens (creating if necessary) the WAL file "wal.log" inside dir.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, fileMode0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, fileMode0644)
	if err != nil {
		return nil, err
	}
	m := &Manager{f: f, path: path}
	_ = m.initLastLSN()
	return m, nil
}

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

// AppendPageImage logs a full page image for id and returns its LSN.
func (m *Manager) AppendPageImage(id page.ID, p *page.Page) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.f == nil {
		return 0, ErrNoWALFile
	}

	m.lsn++
	lsn := m.lsn

	totalLen := fixedHeaderLen + page.Size
	buf := make([]byte, totalLen)
	off := 0

	putU32 := func(v uint32) { bx.PutU32(buf[off:off+4], v); off += 4 }
	putU16 := func(v uint16) { bx.PutU16(buf[off:off+2], v); off += 2 }
	putU64 := func(v uint64) { bx.PutU64(buf[off:off+8], v); off += 8 }
	putU8 := func(v uint8) { buf[off] = v; off++ }

	putU32(magicU32)
	putU16(versionU16)
	putU8(recPageImage)
	putU8(0) // reserved
	putU32(uint32(totalLen))

	crcOff := off
	putU32(0) // crc placeholder

	putU64(lsn)
	putU32(uint32(id))

	copy(buf[off:], p.Buf[:])
	off += page.Size

	if off != totalLen {
		return 0, ErrBadRecord
	}

	crc := crc32.ChecksumIEEE(buf[crcOff+4:])
	bx.PutU32(buf[crcOff:crcOff+4], crc)

	if _, err := m.f.Write(buf); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Flush fsyncs the log once up to and including lsn upto.
func (m *Manager) Flush(upto uint64) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	if upto == 0 || upto <= m.flushed {
		return nil
	}
	if err := m.f.Sync(); err != nil {
		return err
	}
	m.flushed = upto
	return nil
}

// Recover replays every page-image record in log order through writer.
func (m *Manager) Recover(writer PageWriter) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	path := m.path
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)

	for {
		rec, err := readOne(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrShortRead) {
				return nil
			}
			return err
		}
		if rec.typ != recPageImage {
			continue
		}
		p := page.New()
		copy(p.Buf[:], rec.page)
		if err := writer.WritePage(page.ID(rec.pageID), p); err != nil {
			return err
		}
	}
}

type decodedRecord struct {
	typ    uint8
	lsn    uint64
	pageID uint32
	page   []byte
}

func readOne(r *bufio.Reader) (*decodedRecord, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if bx.U32(hdr[:]) != magicU32 {
		return nil, ErrBadMagic
	}

	var verB [2]byte
	if _, err := io.ReadFull(r, verB[:]); err != nil {
		return nil, err
	}
	if bx.U16(verB[:]) != versionU16 {
		return nil, ErrBadRecord
	}

	tp, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if _, err := r.ReadByte(); err != nil { // reserved
		return nil, err
	}

	var lenB [4]byte
	if _, err := io.ReadFull(r, lenB[:]); err != nil {
		return nil, err
	}
	totalLen := bx.U32(lenB[:])
	if totalLen < uint32(fixedHeaderLen) {
		return nil, ErrBadRecord
	}

	var crcB [4]byte
	if _, err := io.ReadFull(r, crcB[:]); err != nil {
		return nil, err
	}
	wantCRC := bx.U32(crcB[:])

	restLen := int(totalLen) - (4 + 2 + 1 + 1 + 4 + 4)
	rest := make([]byte, restLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	gotCRC := crc32.ChecksumIEEE(rest)
	if gotCRC != wantCRC {
		return nil, ErrBadCRC
	}

	off := 0
	lsn := bx.U64(rest[off : off+8])
	off += 8
	pageID := bx.U32(rest[off : off+4])
	off += 4

	if off+page.Size > len(rest) {
		return nil, ErrBadRecord
	}
	img := make([]byte, page.Size)
	copy(img, rest[off:off+page.Size])

	return &decodedRecord{typ: tp, lsn: lsn, pageID: pageID, page: img}, nil
}

func (m *Manager) initLastLSN() error {
	f, err := os.Open(m.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	var last uint64

	for {
		rec, err := readOne(r)
		if err != nil {
			break
		}
		if rec.lsn > last {
			last = rec.lsn
		}
	}

	if last > 0 {
		m.lsn = last
		m.flushed = last
	}
	return nil
}
