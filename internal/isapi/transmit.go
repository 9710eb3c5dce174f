package isapi

import (
	"io"
	"os"

	"go.uber.org/zap"
)

// transmitFile sends an optional header, the head bytes, a region of the
// file and the tail bytes. With IOAsync the completion callback runs after
// the send, outside the context lock.
func transmitFile(rc *RequestContext, call *supportCall) bool {
	tf, ok := call.buffer.(*TransmitFileInfo)
	if !ok || tf == nil {
		return invalidParameter(rc)
	}
	async := tf.Flags&IOAsync != 0
	if async && !rc.ext.Options().FakeAsync {
		return unsupported(rc, call)
	}
	if tf.File == nil {
		return invalidParameter(rc)
	}

	var sent int64
	head := tf.Head
	if tf.Flags&IOSendHeaders != 0 {
		consumed, err := rc.commitHeader([]byte(tf.StatusCode), tf.Head)
		if err != nil {
			return invalidParameter(rc)
		}
		head = tf.Head[min(consumed, len(tf.Head)):]
	}

	err := rc.transmitParts(head, tf, &sent)

	var errCode uint32
	if err != nil {
		rc.logger.Debug("isapi TransmitFile failed", zap.String("file", tf.File.Name()), zap.Error(err))
		errCode = uint32(ErrWriteFault)
	}

	if !async {
		if err != nil {
			rc.setErr(ErrWriteFault)
			return false
		}
		return true
	}

	cb, arg := tf.Callback, tf.Context
	if cb == nil {
		cb = rc.ioComplete
		if arg == nil {
			arg = rc.ioArg
		}
	}
	if cb != nil {
		ecb, n := rc.ecb, uint32(sent)
		call.after = func() { cb(ecb, arg, n, errCode) }
	}
	return true
}

func (rc *RequestContext) transmitParts(head []byte, tf *TransmitFileInfo, sent *int64) error {
	n, err := rc.writeBody(head)
	*sent += int64(n)
	if err != nil {
		return err
	}

	length := int64(tf.BytesToWrite)
	if length == 0 {
		fi, err := tf.File.Stat()
		if err != nil {
			return err
		}
		length = max(fi.Size()-int64(tf.Offset), 0)
	}
	rc.commit()
	copied, err := io.Copy(rc.w, io.NewSectionReader(tf.File, int64(tf.Offset), length))
	*sent += copied
	if err != nil {
		return err
	}

	n, err = rc.writeBody(tf.Tail)
	*sent += int64(n)
	if err != nil {
		return err
	}
	return rc.flush()
}

// OpenFile opens name for a TransmitFile request made by an extension that
// cannot hand over an open file. Only files inside the document root or an
// alias directory are served.
func (rc *RequestContext) OpenFile(name string) (*os.File, error) {
	if !rc.site.mapper.Contains(name) {
		rc.logger.Warn("isapi TransmitFile outside the document root refused", zap.String("file", name))
		rc.setErr(ErrInvalidParameter)
		return nil, ErrInvalidParameter
	}
	return os.Open(name)
}
