package isapi

import (
	"errors"
	"fmt"
)

// CapacityError reports that a caller buffer cannot hold Required bytes,
// terminator included.
type CapacityError struct {
	Required int
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("isapi: buffer of %d bytes, %d required", e.Capacity, e.Required)
}

// bounded returns buf limited to the capacity the caller declared in size.
// Nothing is ever written past the returned slice.
func bounded(buf []byte, size *uint32) []byte {
	n := len(buf)
	if size != nil && int64(*size) < int64(n) {
		n = int(*size)
	}
	return buf[:n:n]
}

// putCString stores s plus a NUL terminator in dst. When dst is too small
// nothing is written and a *CapacityError carries the size to retry with.
func putCString(dst []byte, s string) (int, error) {
	need := len(s) + 1
	if len(dst) < need {
		return 0, &CapacityError{Required: need, Capacity: len(dst)}
	}
	copy(dst, s)
	dst[len(s)] = 0
	return len(s), nil
}

// truncCString stores as much of s as fits in dst while leaving room for the
// terminator, and returns the number of content bytes stored.
func truncCString(dst []byte, s string) int {
	if len(dst) == 0 {
		return 0
	}
	n := copy(dst[:len(dst)-1], s)
	dst[n] = 0
	return n
}

// twoPhase runs the variable lookup buffer protocol for content against a
// caller buffer: on success *size is the content length, otherwise it is the
// length required including the terminator.
func twoPhase(buf []byte, size *uint32, content string) Errno {
	n, err := putCString(bounded(buf, size), content)
	if err != nil {
		var ce *CapacityError
		if errors.As(err, &ce) && size != nil {
			*size = uint32(ce.Required)
		}
		return ErrInsufficientBuffer
	}
	if size != nil {
		*size = uint32(n)
	}
	return ErrnoSuccess
}
