package wasmext

import (
	"encoding/binary"

	"github.com/wudi/isapigw/internal/isapi"
)

// ecbLayout is a control block image followed by the strings and request
// data it points to. Pointers are stored as offsets into buf until
// relocate fixes them up for the guest address.
type ecbLayout struct {
	buf  []byte
	ptrs map[uint32]uint32 // field offset -> target offset
}

func layoutControlBlock(ecb *isapi.ControlBlock) *ecbLayout {
	l := &ecbLayout{
		buf:  make([]byte, ecbSize, ecbSize+len(ecb.Data)+256),
		ptrs: make(map[uint32]uint32, 6),
	}
	le := binary.LittleEndian
	le.PutUint32(l.buf[ecbOffSize:], ecbSize)
	le.PutUint32(l.buf[ecbOffVersion:], ecb.Version)
	le.PutUint32(l.buf[ecbOffStatus:], ecb.HTTPStatusCode)
	copy(l.buf[ecbOffLogData:ecbOffLogData+isapi.LogBufferLen], ecb.LogData[:])
	le.PutUint32(l.buf[ecbOffTotalBytes:], ecb.TotalBytes)
	le.PutUint32(l.buf[ecbOffAvailable:], ecb.AvailableBytes)

	l.appendString(ecbOffMethod, ecb.Method)
	l.appendString(ecbOffQuery, ecb.QueryString)
	l.appendString(ecbOffPathInfo, ecb.PathInfo)
	l.appendString(ecbOffTranslated, ecb.PathTranslated)
	l.appendString(ecbOffContentType, ecb.ContentType)

	avail := min(int(ecb.AvailableBytes), len(ecb.Data))
	l.ptrs[ecbOffData] = uint32(len(l.buf))
	l.buf = append(l.buf, ecb.Data[:avail]...)
	l.buf = append(l.buf, 0)
	return l
}

func (l *ecbLayout) appendString(field uint32, s string) {
	l.ptrs[field] = uint32(len(l.buf))
	l.buf = append(l.buf, s...)
	l.buf = append(l.buf, 0)
}

// relocate writes guest addresses for a block placed at base and the
// connection handle, and returns the image.
func (l *ecbLayout) relocate(base, handle uint32) []byte {
	le := binary.LittleEndian
	for field, target := range l.ptrs {
		le.PutUint32(l.buf[field:], base+target)
	}
	le.PutUint32(l.buf[ecbOffConnID:], handle)
	return l.buf
}
