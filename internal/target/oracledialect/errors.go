package oracledialect

import (
	"regexp"
)

// oraCodeRe extracts the leading "ORA-NNNNN" code from a go-ora error
// string; the driver does not expose a typed error value, so
// classification falls back to the message it produces.
var oraCodeRe = regexp.MustCompile(`ORA-(\d{5})`)

// transientOraCodes: deadlock, resource busy, and connection-loss codes
// worth retrying rather than failing the whole target, per spec.md §7's
// transient-error classification.
var transientOraCodes = map[string]bool{
	"00060": true, // deadlock detected
	"00054": true, // resource busy and acquire with NOWAIT specified
	"03113": true, // end-of-file on communication channel
	"03114": true, // not connected to ORACLE
	"12170": true, // TNS connect timeout
	"12541": true, // TNS no listener
}

// IsTransient reports whether err represents a transient Oracle failure
// that the engine should retry with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	m := oraCodeRe.FindStringSubmatch(err.Error())
	if m == nil {
		return false
	}
	return transientOraCodes[m[1]]
}
