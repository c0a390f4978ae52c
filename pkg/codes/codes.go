// Package codes generates the short human-facing identifiers displayed for
// every entity (e.g. PROJ-AB42HX). Codes are assigned once at creation and
// never change; global uniqueness per entity kind is enforced by a database
// constraint, not here, so callers retry on conflict.
package codes

import (
	"crypto/rand"
	"fmt"
)

// Kind selects the prefix for a generated code.
type Kind string

const (
	KindUser    Kind = "USER"
	KindProject Kind = "PROJ"
	KindTask    Kind = "TASK"
	KindSubtask Kind = "SUB"
	KindComment Kind = "CMT"
)

// alphabet omits 0/O, 1/I/L to keep codes unambiguous when read aloud.
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// Length is the number of random characters after the prefix.
const Length = 6

// New returns a fresh code for the given entity kind.
func New(kind Kind) string {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// nothing sensible to do but stop.
		panic(fmt.Sprintf("codes: rand.Read: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(kind) + "-" + string(buf)
}

// MaxInsertAttempts bounds how many times a service retries an insert after
// a code collision before surfacing the conflict.
const MaxInsertAttempts = 3
