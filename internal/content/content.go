// Package content defines relayed items and their fingerprints.
package content

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindPhoto, KindVideo, KindDocument:
		return true
	}
	return false
}

func (k Kind) IsMedia() bool { return k == KindPhoto || k == KindVideo || k == KindDocument }

// Payload is what ends up in the destination chat.
type Payload struct {
	Kind     Kind
	Caption  string // message text for KindText
	Data     []byte // nil for KindText
	FileName string
	MIME     string
}

// Item is a single source message ready for relaying. Items are never
// mutated after the reader builds them.
type Item struct {
	Channel     string
	MessageID   int64
	GroupID     int64 // album id, 0 if standalone
	Date        time.Time
	Payload     Payload
	Fingerprint Fingerprint
}

// Fingerprint is a hex SHA-256 digest identifying content regardless of
// where or when it was posted.
type Fingerprint string

func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// Compute hashes kind, normalized caption and payload bytes. Each part is
// length-prefixed so no two distinct payloads share an encoding.
func Compute(p Payload) Fingerprint {
	h := sha256.New()
	writePart(h, []byte(p.Kind))
	writePart(h, []byte(NormalizeCaption(p.Caption)))
	writePart(h, p.Data)
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

type writer interface{ Write([]byte) (int, error) }

func writePart(w writer, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(b)
}

// NormalizeCaption trims surrounding space, unifies line endings and
// collapses runs of horizontal whitespace.
func NormalizeCaption(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.Join(strings.FieldsFunc(ln, isHSpace), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func isHSpace(r rune) bool { return r != '\n' && unicode.IsSpace(r) }
