package fsutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// BlockDevice is raw NOR flash as exposed by TinyGo's machine.Flash.
// EraseBlocks takes a block index and count; erased bytes read as 0xFF.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	WriteBlockSize() int64
	EraseBlockSize() int64
	EraseBlocks(start, length int64) error
}

const (
	slotMagic  = 0x46494C41 // "FILA"
	headerSize = 16         // magic, sequence, length, crc32
)

// ErrNoSpace is returned when a file does not fit in a slot.
var ErrNoSpace = errors.New("no space on device")

// BlockFileSystem keeps a single file on a block device in two alternating
// slots. A write goes to the slot not holding the current contents, and a
// slot is only valid once its header checksum matches, so an interrupted
// write leaves the previous contents readable.
type BlockFileSystem struct {
	dev        BlockDevice
	name       string
	slotSize   int64
	slotBlocks int64

	mu sync.Mutex
}

type slotHeader struct {
	seq    uint32
	length uint32
}

// NewBlockFileSystem serves the file name from dev, reserving room for files
// of up to maxSize bytes.
func NewBlockFileSystem(dev BlockDevice, name string, maxSize int) (*BlockFileSystem, error) {
	erase := dev.EraseBlockSize()
	if erase <= 0 {
		return nil, fmt.Errorf("invalid erase block size %d", erase)
	}
	blocks := (int64(headerSize+maxSize) + erase - 1) / erase
	if 2*blocks*erase > dev.Size() {
		return nil, fmt.Errorf("%w: two slots of %d bytes exceed %d", ErrNoSpace, blocks*erase, dev.Size())
	}
	return &BlockFileSystem{
		dev:        dev,
		name:       filepath.Clean(name),
		slotSize:   blocks * erase,
		slotBlocks: blocks,
	}, nil
}

// readSlot returns the slot's header and contents when the slot is valid.
func (b *BlockFileSystem) readSlot(i int) (slotHeader, []byte, bool) {
	off := int64(i) * b.slotSize
	var hdr [headerSize]byte
	if _, err := b.dev.ReadAt(hdr[:], off); err != nil {
		return slotHeader{}, nil, false
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != slotMagic {
		return slotHeader{}, nil, false
	}
	h := slotHeader{
		seq:    binary.LittleEndian.Uint32(hdr[4:]),
		length: binary.LittleEndian.Uint32(hdr[8:]),
	}
	if int64(h.length) > b.slotSize-headerSize {
		return slotHeader{}, nil, false
	}
	data := make([]byte, h.length)
	if _, err := b.dev.ReadAt(data, off+headerSize); err != nil {
		return slotHeader{}, nil, false
	}
	if crc32.ChecksumIEEE(data) != binary.LittleEndian.Uint32(hdr[12:]) {
		return slotHeader{}, nil, false
	}
	return h, data, true
}

// current returns the index, header and contents of the newest valid slot.
func (b *BlockFileSystem) current() (int, slotHeader, []byte, bool) {
	h0, d0, ok0 := b.readSlot(0)
	h1, d1, ok1 := b.readSlot(1)
	switch {
	case ok0 && ok1:
		if h1.seq > h0.seq {
			return 1, h1, d1, true
		}
		return 0, h0, d0, true
	case ok0:
		return 0, h0, d0, true
	case ok1:
		return 1, h1, d1, true
	default:
		return 0, slotHeader{}, nil, false
	}
}

func (b *BlockFileSystem) check(op, name string) error {
	if filepath.Clean(name) != b.name {
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return nil
}

// ReadFile returns the file contents.
func (b *BlockFileSystem) ReadFile(name string) ([]byte, error) {
	if err := b.check("read", name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	_, _, data, ok := b.current()
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}
	return data, nil
}

// Stat returns file info.
func (b *BlockFileSystem) Stat(name string) (fs.FileInfo, error) {
	if err := b.check("stat", name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	_, h, _, ok := b.current()
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return &memFileInfo{name: filepath.Base(b.name), size: int64(h.length), mode: 0644}, nil
}

// WriteFileAtomic writes data into the spare slot.
func (b *BlockFileSystem) WriteFileAtomic(name string, data []byte, _ os.FileMode) error {
	if filepath.Clean(name) != b.name {
		return &fs.PathError{Op: "write", Path: name, Err: fs.ErrPermission}
	}
	if int64(len(data)) > b.slotSize-headerSize {
		return &fs.PathError{Op: "write", Path: name, Err: ErrNoSpace}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	target, seq := 0, uint32(1)
	if i, h, _, ok := b.current(); ok {
		target, seq = 1-i, h.seq+1
	}

	wbs := b.dev.WriteBlockSize()
	if wbs <= 0 {
		wbs = 1
	}
	n := (int64(headerSize+len(data)) + wbs - 1) / wbs * wbs
	buf := make([]byte, n)
	for k := range buf {
		buf[k] = 0xFF
	}
	binary.LittleEndian.PutUint32(buf[0:], slotMagic)
	binary.LittleEndian.PutUint32(buf[4:], seq)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[12:], crc32.ChecksumIEEE(data))
	copy(buf[headerSize:], data)

	if err := b.dev.EraseBlocks(int64(target)*b.slotBlocks, b.slotBlocks); err != nil {
		return fmt.Errorf("erase slot %d: %w", target, err)
	}
	if _, err := b.dev.WriteAt(buf, int64(target)*b.slotSize); err != nil {
		return fmt.Errorf("write slot %d: %w", target, err)
	}
	return nil
}

// Remove erases both slots.
func (b *BlockFileSystem) Remove(name string) error {
	if err := b.check("remove", name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, _, _, ok := b.current(); !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	return b.dev.EraseBlocks(0, 2*b.slotBlocks)
}
