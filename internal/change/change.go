// Package change implements the structural text edit that the rest of the
// system moves around and persists: an ordered run of retain / insert /
// delete sections applied left-to-right against a document of known length.
package change

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a change's section lengths do not cover the
// document it is applied to, or when a serialized change cannot be decoded.
var ErrMalformed = errors.New("malformed change")

type opKind int

const (
	opRetain opKind = iota
	opInsert
	opDelete
)

type section struct {
	kind opKind
	n    int    // retained or deleted length; len(text) for inserts
	text string // insert payload
}

// Change is an immutable structural edit. The zero value is the empty change,
// which applies only to the empty document.
type Change struct {
	sections []section
}

// push appends a section, merging it with the previous one when both have the
// same kind. Zero-length sections are dropped, so equal edits always have
// identical section runs and the serialized forms round-trip exactly.
func (c *Change) push(s section) {
	if s.n == 0 {
		return
	}
	if last := len(c.sections) - 1; last >= 0 && c.sections[last].kind == s.kind {
		c.sections[last].n += s.n
		c.sections[last].text += s.text
		return
	}
	c.sections = append(c.sections, s)
}

// Insert builds a change that inserts text at position at in a document of
// docLen bytes.
func Insert(at int, text string, docLen int) Change {
	var c Change
	c.push(section{kind: opRetain, n: at})
	c.push(section{kind: opInsert, n: len(text), text: text})
	c.push(section{kind: opRetain, n: docLen - at})
	return c
}

// Delete builds a change that deletes the range [from, to) in a document of
// docLen bytes.
func Delete(from, to, docLen int) Change {
	var c Change
	c.push(section{kind: opRetain, n: from})
	c.push(section{kind: opDelete, n: to - from})
	c.push(section{kind: opRetain, n: docLen - to})
	return c
}

// Replace builds a change that swaps the range [from, to) for text.
func Replace(from, to int, text string, docLen int) Change {
	var c Change
	c.push(section{kind: opRetain, n: from})
	c.push(section{kind: opDelete, n: to - from})
	c.push(section{kind: opInsert, n: len(text), text: text})
	c.push(section{kind: opRetain, n: docLen - to})
	return c
}

// LenBefore is the document length the change expects as input.
func (c Change) LenBefore() int {
	n := 0
	for _, s := range c.sections {
		if s.kind != opInsert {
			n += s.n
		}
	}
	return n
}

// LenAfter is the document length the change produces.
func (c Change) LenAfter() int {
	n := 0
	for _, s := range c.sections {
		if s.kind != opDelete {
			n += s.n
		}
	}
	return n
}

// Empty reports whether the change touches nothing.
func (c Change) Empty() bool {
	for _, s := range c.sections {
		if s.kind != opRetain {
			return false
		}
	}
	return true
}

// Apply runs the change against doc and returns the edited document. It never
// truncates or pads: a change whose retain+delete lengths do not equal
// len(doc) fails with ErrMalformed.
func (c Change) Apply(doc string) (string, error) {
	if want := c.LenBefore(); want != len(doc) {
		return "", fmt.Errorf("change spans %d bytes but document has %d: %w", want, len(doc), ErrMalformed)
	}
	var out strings.Builder
	out.Grow(c.LenAfter())
	pos := 0
	for _, s := range c.sections {
		switch s.kind {
		case opRetain:
			out.WriteString(doc[pos : pos+s.n])
			pos += s.n
		case opDelete:
			pos += s.n
		case opInsert:
			out.WriteString(s.text)
		}
	}
	return out.String(), nil
}

// Compose combines two consecutive changes into one equivalent change, so
// that Apply(Apply(doc, a), b) == Apply(doc, Compose(a, b)). The second
// change must expect the document the first one produces.
func Compose(a, b Change) (Change, error) {
	if a.LenAfter() != b.LenBefore() {
		return Change{}, fmt.Errorf("cannot compose: first change produces %d bytes, second expects %d: %w",
			a.LenAfter(), b.LenBefore(), ErrMalformed)
	}

	var out Change
	as, bs := a.sections, b.sections
	var ah, bh section // heads being consumed
	nextA := func() bool {
		if len(as) == 0 {
			return false
		}
		ah, as = as[0], as[1:]
		return true
	}
	nextB := func() bool {
		if len(bs) == 0 {
			return false
		}
		bh, bs = bs[0], bs[1:]
		return true
	}
	haveA, haveB := nextA(), nextB()

	for haveA || haveB {
		switch {
		case haveA && ah.kind == opDelete:
			// Deletions from the first change pass through untouched.
			out.push(ah)
			haveA = nextA()
		case haveB && bh.kind == opInsert:
			// Insertions from the second change land as-is.
			out.push(bh)
			haveB = nextB()
		case !haveA || !haveB:
			return Change{}, fmt.Errorf("cannot compose: section underrun: %w", ErrMalformed)
		default:
			// ah is retain or insert, bh is retain or delete; consume the
			// overlap of the two heads.
			n := ah.n
			if bh.n < n {
				n = bh.n
			}
			switch {
			case ah.kind == opRetain && bh.kind == opRetain:
				out.push(section{kind: opRetain, n: n})
			case ah.kind == opRetain && bh.kind == opDelete:
				out.push(section{kind: opDelete, n: n})
			case ah.kind == opInsert && bh.kind == opRetain:
				out.push(section{kind: opInsert, n: n, text: ah.text[:n]})
			case ah.kind == opInsert && bh.kind == opDelete:
				// Inserted then deleted: cancels out.
			}
			if ah.kind == opInsert {
				ah.text = ah.text[n:]
			}
			ah.n -= n
			bh.n -= n
			if ah.n == 0 {
				haveA = nextA()
			}
			if bh.n == 0 {
				haveB = nextB()
			}
		}
	}
	return out, nil
}

// The wire form is a flat JSON array of signed, length-tagged tokens:
// a positive number retains that many bytes, a negative number deletes that
// many, and a string is inserted verbatim. ["hi",-3,5] inserts "hi", deletes
// 3 bytes, then retains 5.

// MarshalJSON encodes the change in its wire form.
func (c Change) MarshalJSON() ([]byte, error) {
	tokens := make([]any, 0, len(c.sections))
	for _, s := range c.sections {
		switch s.kind {
		case opRetain:
			tokens = append(tokens, s.n)
		case opDelete:
			tokens = append(tokens, -s.n)
		case opInsert:
			tokens = append(tokens, s.text)
		}
	}
	return json.Marshal(tokens)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (c *Change) UnmarshalJSON(data []byte) error {
	var tokens []json.RawMessage
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("decoding change tokens: %w", ErrMalformed)
	}
	out := Change{}
	for _, tok := range tokens {
		if len(tok) > 0 && tok[0] == '"' {
			var text string
			if err := json.Unmarshal(tok, &text); err != nil {
				return fmt.Errorf("decoding insert token: %w", ErrMalformed)
			}
			out.push(section{kind: opInsert, n: len(text), text: text})
			continue
		}
		var n int
		if err := json.Unmarshal(tok, &n); err != nil {
			return fmt.Errorf("decoding length token %s: %w", tok, ErrMalformed)
		}
		switch {
		case n > 0:
			out.push(section{kind: opRetain, n: n})
		case n < 0:
			out.push(section{kind: opDelete, n: -n})
		default:
			return fmt.Errorf("zero-length token: %w", ErrMalformed)
		}
	}
	*c = out
	return nil
}

// Decode parses a serialized change.
func Decode(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, err
	}
	return c, nil
}

func (c Change) String() string {
	data, _ := json.Marshal(c)
	return string(data)
}
