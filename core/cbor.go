package core

// cbor.go implements a minimal, zero-copy CBOR (RFC 8949) item reader
// sufficient to walk the commit-object maps the frame parser and
// canonicalizer need to inspect. It never allocates a decoded value tree:
// every result is either a primitive (length, uint64) or a borrowed
// sub-slice of the caller's buffer.
//
// Only the major types DAG-CBOR commit objects actually use are handled:
// unsigned/negative int (0,1), byte string (2), text string (3), array (4),
// map (5) and tag (6, used for embedded CIDs). Indefinite-length strings,
// arrays and maps (the 0x1f "break" convention) are tolerated by skip, per
// the parser's implementation-defining note.

import (
	"encoding/binary"
	"fmt"
)

const (
	cborMajorUint = iota
	cborMajorNegInt
	cborMajorBytes
	cborMajorText
	cborMajorArray
	cborMajorMap
	cborMajorTag
	cborMajorSimple
)

const cborBreak = 0xFF

// cborHeader decodes the initial byte(s) of a CBOR item: its major type and
// argument (length, count, tag number or literal value depending on major).
// It returns the number of bytes the header itself occupied.
func cborHeader(buf []byte) (major byte, arg uint64, hdrLen int, indefinite bool, err error) {
	if len(buf) == 0 {
		return 0, 0, 0, false, fmt.Errorf("cbor: truncated header")
	}
	b := buf[0]
	major = b >> 5
	info := b & 0x1F
	switch {
	case info < 24:
		return major, uint64(info), 1, false, nil
	case info == 24:
		if len(buf) < 2 {
			return 0, 0, 0, false, fmt.Errorf("cbor: truncated uint8 arg")
		}
		return major, uint64(buf[1]), 2, false, nil
	case info == 25:
		if len(buf) < 3 {
			return 0, 0, 0, false, fmt.Errorf("cbor: truncated uint16 arg")
		}
		return major, uint64(binary.BigEndian.Uint16(buf[1:3])), 3, false, nil
	case info == 26:
		if len(buf) < 5 {
			return 0, 0, 0, false, fmt.Errorf("cbor: truncated uint32 arg")
		}
		return major, uint64(binary.BigEndian.Uint32(buf[1:5])), 5, false, nil
	case info == 27:
		if len(buf) < 9 {
			return 0, 0, 0, false, fmt.Errorf("cbor: truncated uint64 arg")
		}
		return major, binary.BigEndian.Uint64(buf[1:9]), 9, false, nil
	case info == 31 && (major == cborMajorBytes || major == cborMajorText || major == cborMajorArray || major == cborMajorMap):
		return major, 0, 1, true, nil
	default:
		return 0, 0, 0, false, fmt.Errorf("cbor: unsupported additional info %d", info)
	}
}

// cborSkip advances past one complete CBOR item (including all of its
// children, for arrays/maps/tags) starting at buf[off], tolerating
// indefinite-length encodings, and returns the offset just past it.
func cborSkip(buf []byte, off int) (int, error) {
	major, arg, hdrLen, indef, err := cborHeader(buf[off:])
	if err != nil {
		return 0, err
	}
	off += hdrLen
	switch major {
	case cborMajorUint, cborMajorNegInt:
		return off, nil
	case cborMajorSimple:
		return off, nil
	case cborMajorBytes, cborMajorText:
		if indef {
			for {
				if off >= len(buf) {
					return 0, fmt.Errorf("cbor: truncated indefinite string")
				}
				if buf[off] == cborBreak {
					return off + 1, nil
				}
				off, err = cborSkip(buf, off)
				if err != nil {
					return 0, err
				}
			}
		}
		end := off + int(arg)
		if end > len(buf) || end < off {
			return 0, fmt.Errorf("cbor: string length out of range")
		}
		return end, nil
	case cborMajorArray:
		if indef {
			for {
				if off >= len(buf) {
					return 0, fmt.Errorf("cbor: truncated indefinite array")
				}
				if buf[off] == cborBreak {
					return off + 1, nil
				}
				off, err = cborSkip(buf, off)
				if err != nil {
					return 0, err
				}
			}
		}
		for i := uint64(0); i < arg; i++ {
			off, err = cborSkip(buf, off)
			if err != nil {
				return 0, err
			}
		}
		return off, nil
	case cborMajorMap:
		if indef {
			for {
				if off >= len(buf) {
					return 0, fmt.Errorf("cbor: truncated indefinite map")
				}
				if buf[off] == cborBreak {
					return off + 1, nil
				}
				if off, err = cborSkip(buf, off); err != nil { // key
					return 0, err
				}
				if off, err = cborSkip(buf, off); err != nil { // value
					return 0, err
				}
			}
		}
		for i := uint64(0); i < arg; i++ {
			if off, err = cborSkip(buf, off); err != nil { // key
				return 0, err
			}
			if off, err = cborSkip(buf, off); err != nil { // value
				return 0, err
			}
		}
		return off, nil
	case cborMajorTag:
		return cborSkip(buf, off)
	default:
		return 0, fmt.Errorf("cbor: unknown major type %d", major)
	}
}

// cborMapEntry is one surviving top-level entry of a decoded map: borrowed
// views of the full key item (header+bytes), the decoded key as a string
// (for text-string keys, which is all a commit object ever uses) and the
// full value item (header+bytes), in original encounter order.
type cborMapEntry struct {
	KeyRaw   []byte
	Key      string
	ValueRaw []byte
}

// cborDecodeMap walks a CBOR map item starting at buf[0] and returns its
// entries preserving encounter order. Keys that aren't text strings are
// skipped (commit objects never use non-text keys).
func cborDecodeMap(buf []byte) ([]cborMapEntry, error) {
	major, arg, hdrLen, indef, err := cborHeader(buf)
	if err != nil {
		return nil, err
	}
	if major != cborMajorMap {
		return nil, fmt.Errorf("cbor: expected map, got major type %d", major)
	}
	off := hdrLen
	var entries []cborMapEntry
	readPair := func() (bool, error) {
		if indef && off < len(buf) && buf[off] == cborBreak {
			return false, nil
		}
		keyStart := off
		kmajor, karg, khdr, kindef, kerr := cborHeader(buf[off:])
		if kerr != nil {
			return false, kerr
		}
		var keyStr string
		var isText bool
		if kmajor == cborMajorText && !kindef {
			s := off + khdr
			e := s + int(karg)
			if e > len(buf) {
				return false, fmt.Errorf("cbor: map key string out of range")
			}
			keyStr = string(buf[s:e])
			isText = true
		}
		newOff, err := cborSkip(buf, off)
		if err != nil {
			return false, err
		}
		keyRaw := buf[keyStart:newOff]
		off = newOff
		valStart := off
		off, err = cborSkip(buf, off)
		if err != nil {
			return false, err
		}
		if isText {
			entries = append(entries, cborMapEntry{KeyRaw: keyRaw, Key: keyStr, ValueRaw: buf[valStart:off]})
		}
		return true, nil
	}
	if indef {
		for {
			if off >= len(buf) {
				return nil, fmt.Errorf("cbor: truncated indefinite map")
			}
			if buf[off] == cborBreak {
				off++
				break
			}
			cont, err := readPair()
			if err != nil {
				return nil, err
			}
			if !cont {
				break
			}
		}
	} else {
		for i := uint64(0); i < arg; i++ {
			if _, err := readPair(); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

// cborTagAndPayload returns the tag number and the raw payload item of a
// CBOR-tagged value (major type 6), used to unwrap embedded CID byte
// strings (tag 42 in DAG-CBOR).
func cborTagAndPayload(buf []byte) (tag uint64, payload []byte, err error) {
	major, arg, hdrLen, _, err := cborHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	if major != cborMajorTag {
		return 0, nil, fmt.Errorf("cbor: expected tag, got major type %d", major)
	}
	end, err := cborSkip(buf, hdrLen)
	if err != nil {
		return 0, nil, err
	}
	return arg, buf[hdrLen:end], nil
}

// cborBytes decodes a definite-length byte-string item and returns its
// payload as a borrowed slice.
func cborBytes(buf []byte) ([]byte, error) {
	major, arg, hdrLen, indef, err := cborHeader(buf)
	if err != nil {
		return nil, err
	}
	if major != cborMajorBytes || indef {
		return nil, fmt.Errorf("cbor: expected definite byte string")
	}
	end := hdrLen + int(arg)
	if end > len(buf) {
		return nil, fmt.Errorf("cbor: byte string out of range")
	}
	return buf[hdrLen:end], nil
}
