// Package goid extracts the current goroutine's ID.
//
// The runtime does not expose goroutine identity on purpose, but a
// reentrant lock needs some notion of "the caller" to track ownership
// and hold counts. The ID is recovered by parsing the first line of the
// goroutine's own stack trace, which has the stable format
// "goroutine 123 [running]:". This costs on the order of a microsecond,
// which only matters on paths that already expect to block.
package goid

import "runtime"

// Get returns the current goroutine's ID. IDs are positive and never
// reused while the goroutine is alive.
func Get() int64 {
	// Only the first line is needed. 64 bytes always covers
	// "goroutine <id> [running]:".
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parse(buf[:n])
}

// parse extracts the numeric ID from a stack trace header, returning 0
// if the buffer does not start with the expected prefix.
func parse(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var id int64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
