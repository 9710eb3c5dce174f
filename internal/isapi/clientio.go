package isapi

import (
	"go.uber.org/zap"
)

// WriteClient sends the first *n bytes of buf to the client and flushes.
// reserved carries the IO flags and is ignored; asynchronous writes complete
// before the call returns.
func (rc *RequestContext) WriteClient(buf []byte, n *uint32, reserved uint32) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed || n == nil {
		rc.setErr(ErrInvalidParameter)
		return false
	}

	written, err := rc.writeBody(bounded(buf, n))
	if err == nil {
		err = rc.flush()
	}
	*n = uint32(written)
	if err != nil {
		rc.logger.Debug("isapi WriteClient failed", zap.Error(err))
		rc.setErr(ErrWriteFault)
		return false
	}
	return true
}

// ReadClient fills buf from the rest of the request body, never reading
// past the declared length. *size is set to the number of bytes read, zero
// at end of body.
func (rc *RequestContext) ReadClient(buf []byte, size *uint32) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed || size == nil {
		rc.setErr(ErrInvalidParameter)
		return false
	}

	dst := bounded(buf, size)
	if rc.remaining >= 0 && int64(len(dst)) > rc.remaining {
		dst = dst[:rc.remaining]
	}

	read := 0
	for read < len(dst) {
		n, err := rc.body.Read(dst[read:])
		read += n
		if err != nil {
			// EOF and read errors both end the body
			rc.remaining = 0
			break
		}
		if n == 0 {
			break
		}
	}
	if rc.remaining > 0 {
		rc.remaining -= int64(read)
	}
	*size = uint32(read)
	return true
}
