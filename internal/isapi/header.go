package isapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"

	"go.uber.org/zap"
)

var (
	errHeaderPremature = errors.New("isapi: premature end of response header")
	errHeaderMalformed = errors.New("isapi: malformed response header")
)

// headerScanner yields header lines from a sequence of segments. A line
// ends at '\n' or at the end of its segment; lines never span segments.
type headerScanner struct {
	segs []string
	seg  int
	pos  int
}

func (s *headerScanner) next() (string, bool) {
	if s.seg >= len(s.segs) || s.pos >= len(s.segs[s.seg]) {
		return "", false
	}
	rest := s.segs[s.seg][s.pos:]
	end := len(rest)
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		end = i + 1
	}
	if end == len(rest) {
		s.seg++
		s.pos = 0
	} else {
		s.pos += end
	}
	return strings.TrimRight(rest[:end], "\r\n"), true
}

// parsedHeader is a response header assembled from an extension's status
// text and header block.
type parsedHeader struct {
	header http.Header
	status int
	// consumed is how much of the header block the parse used; the rest
	// is body.
	consumed int
}

// parseResponseHeader scans "Status: <stat>" followed by head. An empty stat
// means "200 OK" and an empty head means just the terminating blank line.
func parseResponseHeader(stat, head []byte) (*parsedHeader, error) {
	statLine := "Status: 200 OK"
	if s := cString(stat); s != "" {
		statLine = "Status: " + s
	}
	headText := cString(head)
	if headText == "" {
		headText = "\r\n"
	}

	sc := &headerScanner{segs: []string{statLine, headText}}
	ph := &parsedHeader{header: make(http.Header), status: http.StatusOK}
	for {
		line, ok := sc.next()
		if !ok {
			return nil, errHeaderPremature
		}
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("%w: %q", errHeaderMalformed, line)
		}
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		switch name {
		case "Status":
			code := leadingInt(value)
			if code < 100 || code > 599 {
				return nil, fmt.Errorf("%w: status %q", errHeaderMalformed, value)
			}
			ph.status = code
		case "Content-Type", "Location", "Content-Length":
			ph.header.Set(name, value)
		default:
			ph.header.Add(name, value)
		}
	}

	switch {
	case sc.seg >= len(sc.segs):
		ph.consumed = len(head)
	case sc.seg == 1:
		ph.consumed = sc.pos
	}
	if ph.consumed > len(head) {
		ph.consumed = len(head)
	}
	return ph, nil
}

func leadingInt(s string) int {
	n := 0
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
		if n > 1000 {
			return n
		}
	}
	return n
}

// commitHeader merges the parsed header into the response and records its
// status. A header that does not parse sets the status to 500 so no partial
// output goes out. It returns how much of head was used.
func (rc *RequestContext) commitHeader(stat, head []byte) (int, error) {
	ph, err := parseResponseHeader(stat, head)
	if err != nil {
		rc.setStatus(http.StatusInternalServerError)
		rc.logger.Error("isapi extension sent an invalid response header", zap.Error(err))
		return 0, err
	}
	dst := rc.w.Header()
	for k, vs := range ph.header {
		if k == "Content-Type" || k == "Location" || k == "Content-Length" {
			dst.Del(k)
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	rc.setStatus(ph.status)
	return ph.consumed, nil
}

// sendHeader commits the header and writes any part of head past the header
// block as the start of the body.
func (rc *RequestContext) sendHeader(stat, head []byte) error {
	consumed, err := rc.commitHeader(stat, head)
	if err != nil {
		return err
	}
	body := head[:len(cString(head))]
	if consumed < len(body) {
		if _, err := rc.writeBody(body[consumed:]); err != nil {
			return err
		}
		return rc.flush()
	}
	return nil
}
