package isapi

// GetServerVariable copies the named variable into buf. ALL_HTTP and ALL_RAW
// are synthesized; every other name is looked up in the request environment.
// When buf is too small nothing is written, *size is set to the length
// required including the terminator and LastError is INSUFFICIENT_BUFFER.
// On success *size is the length stored without the terminator.
func (rc *RequestContext) GetServerVariable(name string, buf []byte, size *uint32) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed || size == nil {
		rc.setErr(ErrInvalidParameter)
		return false
	}

	var value string
	switch name {
	case "ALL_HTTP":
		value = allHTTP(rc.env)
	case "ALL_RAW":
		value = allRaw(rc.r)
	default:
		v, ok := rc.env.Get(name)
		if !ok {
			rc.setErr(ErrInvalidIndex)
			return false
		}
		value = v
	}

	if e := twoPhase(buf, size, value); e != ErrnoSuccess {
		rc.setErr(e)
		return false
	}
	return true
}
