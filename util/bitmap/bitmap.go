// Package bitmap implements the allocation bitmaps used by ext2 block groups.
//
// Bit i lives in byte i/8 at position i%8, least significant bit first, which
// is the on-disk order of ext2 block and inode bitmaps. A set bit means "in use".
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a bitmap over a byte slice. When created with FromBytes the slice
// is shared, so changes are visible in the caller's buffer.
type Bitmap struct {
	bits []byte
	size int
}

// Contiguous is a run of free bits
type Contiguous struct {
	Position int
	Count    int
}

// New creates a bitmap holding at least size bits, all clear
func New(size int) *Bitmap {
	return &Bitmap{bits: make([]byte, (size+7)/8), size: size}
}

// FromBytes wraps b. size limits the usable bits; bits past size are never
// reported free. A size <= 0 uses every bit of b.
func FromBytes(b []byte, size int) *Bitmap {
	if size <= 0 || size > len(b)*8 {
		size = len(b) * 8
	}
	return &Bitmap{bits: b, size: size}
}

// Size returns the number of usable bits
func (bm *Bitmap) Size() int {
	return bm.size
}

// ToBytes returns the underlying bytes
func (bm *Bitmap) ToBytes() []byte {
	return bm.bits
}

func (bm *Bitmap) check(location int) error {
	if location < 0 || location >= bm.size {
		return fmt.Errorf("location %d is not in %d size bitmap", location, bm.size)
	}
	return nil
}

// IsSet reports whether the bit at location is set
func (bm *Bitmap) IsSet(location int) (bool, error) {
	if err := bm.check(location); err != nil {
		return false, err
	}
	return bm.bits[location/8]&(1<<(location%8)) != 0, nil
}

// Set marks the bit at location as used
func (bm *Bitmap) Set(location int) error {
	if err := bm.check(location); err != nil {
		return err
	}
	bm.bits[location/8] |= 1 << (location % 8)
	return nil
}

// Clear marks the bit at location as free
func (bm *Bitmap) Clear(location int) error {
	if err := bm.check(location); err != nil {
		return err
	}
	bm.bits[location/8] &^= 1 << (location % 8)
	return nil
}

// SetRange marks count bits starting at start as used
func (bm *Bitmap) SetRange(start, count int) error {
	if count == 0 {
		return nil
	}
	if err := bm.check(start); err != nil {
		return err
	}
	if err := bm.check(start + count - 1); err != nil {
		return err
	}
	for i := start; i < start+count; i++ {
		bm.bits[i/8] |= 1 << (i % 8)
	}
	return nil
}

// FirstFree returns the first clear bit at or after start, or -1 if there is none
func (bm *Bitmap) FirstFree(start int) int {
	if start < 0 {
		start = 0
	}
	for i := start; i < bm.size; {
		byteIndex := i / 8
		if i%8 == 0 && bm.bits[byteIndex] == 0xff {
			i += 8
			continue
		}
		if bm.bits[byteIndex]&(1<<(i%8)) == 0 {
			return i
		}
		i++
	}
	return -1
}

// FreeList returns every run of clear bits, in order
func (bm *Bitmap) FreeList() []Contiguous {
	var (
		list []Contiguous
		run  *Contiguous
	)
	for i := 0; i < bm.size; i++ {
		if bm.bits[i/8]&(1<<(i%8)) != 0 {
			run = nil
			continue
		}
		if run == nil {
			list = append(list, Contiguous{Position: i})
			run = &list[len(list)-1]
		}
		run.Count++
	}
	return list
}

// CountFree returns how many usable bits are clear
func (bm *Bitmap) CountFree() int {
	used := 0
	full := bm.size / 8
	for _, b := range bm.bits[:full] {
		used += bits.OnesCount8(b)
	}
	for i := full * 8; i < bm.size; i++ {
		if bm.bits[i/8]&(1<<(i%8)) != 0 {
			used++
		}
	}
	return bm.size - used
}
