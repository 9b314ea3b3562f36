package ext2

import (
	"encoding/binary"
	"fmt"
)

// directoryFileType uses different constants than the file type in the inode mode
type directoryFileType uint8

const (
	dirEntryHeaderLength int = 0x8
	minDirEntryLength    int = 12 // actually 9 for 1-byte file name, but must be a multiple of 4 bytes
	maxFileNameLength    int = 255

	dirFileTypeUnknown   directoryFileType = 0x0
	dirFileTypeRegular   directoryFileType = 0x1
	dirFileTypeDirectory directoryFileType = 0x2
	dirFileTypeCharacter directoryFileType = 0x3
	dirFileTypeBlock     directoryFileType = 0x4
	dirFileTypeFifo      directoryFileType = 0x5
	dirFileTypeSocket    directoryFileType = 0x6
	dirFileTypeSymlink   directoryFileType = 0x7
)

// DirectoryEntry is a single entry of a linear ext2 directory
type DirectoryEntry struct {
	Inode    uint32
	Name     string
	FileType uint8

	length uint16
}

func (de *DirectoryEntry) calcSize() int {
	// header plus name, rounded up to a multiple of 4
	entryLength := len(de.Name) + dirEntryHeaderLength
	if leftover := entryLength % 4; leftover > 0 {
		entryLength += 4 - leftover
	}
	return entryLength
}

// unmarshalExt2 decodes the entry at the start of b. Without the file type
// feature the name length is 16 bits and there is no type.
func (de *DirectoryEntry) unmarshalExt2(b []byte, hasFileType bool) error {
	if len(b) < dirEntryHeaderLength {
		return fmt.Errorf("directory entry of %d bytes is shorter than its header", len(b))
	}
	de.Inode = binary.LittleEndian.Uint32(b[0x0:0x4])
	de.length = binary.LittleEndian.Uint16(b[0x4:0x6])
	var nameLength int
	if hasFileType {
		nameLength = int(b[0x6])
		de.FileType = b[0x7]
	} else {
		nameLength = int(binary.LittleEndian.Uint16(b[0x6:0x8]))
	}
	if int(de.length) < minDirEntryLength || int(de.length) > len(b) || int(de.length)%4 != 0 {
		return fmt.Errorf("directory entry length %d is invalid with %d bytes remaining", de.length, len(b))
	}
	if nameLength > int(de.length)-dirEntryHeaderLength {
		return fmt.Errorf("directory entry name of %d bytes does not fit in entry of %d", nameLength, de.length)
	}
	de.Name = string(b[dirEntryHeaderLength : dirEntryHeaderLength+nameLength])
	return nil
}

func (de *DirectoryEntry) marshalExt2(b []byte, hasFileType bool) error {
	if len(b) < de.calcSize() {
		return fmt.Errorf("directory entry of bytes of length %d is too short for the calculated size %d", len(b), de.calcSize())
	}
	if int(de.length) < minDirEntryLength {
		return fmt.Errorf("the directory entry length %d, is less than the minimum size %d", de.length, minDirEntryLength)
	}
	binary.LittleEndian.PutUint32(b[0x0:0x4], de.Inode)
	binary.LittleEndian.PutUint16(b[0x4:0x6], de.length)
	if hasFileType {
		b[0x6] = uint8(len(de.Name))
		b[0x7] = de.FileType
	} else {
		binary.LittleEndian.PutUint16(b[0x6:0x8], uint16(len(de.Name)))
	}
	copy(b[dirEntryHeaderLength:], de.Name)
	return nil
}

// directoryBlock lays entries out in one block; the last entry extends to the end of the block
func directoryBlock(entries []DirectoryEntry, blockSize int, hasFileType bool) ([]byte, error) {
	b := make([]byte, blockSize)
	offset := 0
	for i := range entries {
		de := &entries[i]
		if len(de.Name) == 0 || len(de.Name) > maxFileNameLength {
			return nil, fmt.Errorf("%w: directory entry name %q", ErrBadValue, de.Name)
		}
		size := de.calcSize()
		if i == len(entries)-1 {
			size = blockSize - offset
		}
		if offset+size > blockSize || size < de.calcSize() {
			return nil, fmt.Errorf("%w: directory entries do not fit in a block of %d bytes", ErrBadValue, blockSize)
		}
		de.length = uint16(size)
		if err := de.marshalExt2(b[offset:offset+size], hasFileType); err != nil {
			return nil, err
		}
		offset += size
	}
	return b, nil
}

// parseDirectoryBlock decodes the entries of one directory block, skipping unused ones
func parseDirectoryBlock(b []byte, hasFileType bool) ([]DirectoryEntry, error) {
	var entries []DirectoryEntry
	for offset := 0; offset < len(b); {
		var de DirectoryEntry
		if err := de.unmarshalExt2(b[offset:], hasFileType); err != nil {
			return nil, fmt.Errorf("%w: entry at offset %d: %v", ErrBadValue, offset, err)
		}
		offset += int(de.length)
		if de.Inode != 0 {
			entries = append(entries, de)
		}
	}
	return entries, nil
}

// ReadDirectory lists the entries of directory id
func (v *Volume) ReadDirectory(id uint32) ([]DirectoryEntry, error) {
	in, err := v.ReadInode(id)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		return nil, fmt.Errorf("%w: inode %d is not a directory", ErrBadValue, id)
	}
	hasFileType := v.geometry.IncompatFeatures&IncompatFileType != 0
	var entries []DirectoryEntry
	count := (in.Size + uint64(v.blockSize) - 1) / uint64(v.blockSize)
	for i := uint64(0); i < count; i++ {
		block, err := in.mapBlock(i, v.blockSize, v.cache.Get)
		if err != nil {
			return nil, err
		}
		if block == 0 {
			continue
		}
		b, err := v.cache.Get(block)
		if err != nil {
			return nil, fmt.Errorf("%w: could not read directory block %d: %v", ErrIO, block, err)
		}
		blockEntries, err := parseDirectoryBlock(b, hasFileType)
		if err != nil {
			return nil, err
		}
		entries = append(entries, blockEntries...)
	}
	return entries, nil
}
