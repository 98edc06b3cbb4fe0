package core

// envelope.go is the frame parser: a zero-copy, recursive-descent decoder
// for the wire envelope. ParseEnvelope never allocates for anything it can
// return as a borrowed sub-slice of the input; what it does allocate is the
// Envelope struct, the Ops slice, and the entry slice and key strings the
// CBOR map decoder builds for each map it walks.

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

const (
	fieldHeaderKind = "t"
	fieldAuthorID   = "author"
	fieldSequence   = "seq"
	fieldBlocksBag  = "blocks"
	fieldCommitCID  = "commit"
	fieldSig        = "sig"
	fieldOps        = "ops"

	opFieldAction = "action"
	opFieldPath   = "path"
	opFieldCID    = "cid"

	opActionCreate = "create"
	opActionUpdate = "update"
	opActionDelete = "delete"
)

// cidSentinelByte is the leading multibase-identity byte DAG-CBOR prepends
// to an embedded CID's raw bytes; callers must strip it before comparing
// against a bag entry's own CID bytes.
const cidSentinelByte = 0x00

// ParseEnvelope decodes one wire frame into an Envelope. Every slice on the
// returned Envelope is a view into buf; buf must outlive the Envelope.
func ParseEnvelope(buf []byte) (*Envelope, error) {
	entries, err := cborDecodeMap(buf)
	if err != nil {
		parseLog.WithError(err).Debug("envelope: top-level decode failed")
		return nil, ErrParse
	}

	env := &Envelope{Raw: buf}
	var commitCIDRaw, sigRaw, opsRaw []byte

	for _, e := range entries {
		switch e.Key {
		case fieldHeaderKind:
			if s, err := cborBytesOrText(e.ValueRaw); err == nil {
				env.HeaderKind = s
			}
		case fieldAuthorID:
			if s, err := cborBytesOrText(e.ValueRaw); err == nil {
				env.AuthorID = s
			}
		case fieldSequence:
			n, err := cborUint(e.ValueRaw)
			if err != nil {
				return nil, ErrParse
			}
			env.Sequence = n
		case fieldBlocksBag:
			b, err := cborBytes(e.ValueRaw)
			if err != nil {
				return nil, ErrParse
			}
			env.BlocksBag = b
		case fieldCommitCID:
			commitCIDRaw = e.ValueRaw
		case fieldSig:
			if s, err := cborBytesOrText(e.ValueRaw); err == nil {
				sigRaw = s
			}
		case fieldOps:
			opsRaw = e.ValueRaw
		}
	}

	if env.HeaderKind == nil || env.AuthorID == nil || env.BlocksBag == nil || commitCIDRaw == nil {
		return nil, ErrParse
	}

	commitCID, err := decodeEmbeddedCID(commitCIDRaw)
	if err != nil {
		return nil, ErrParse
	}
	env.CommitCID = commitCID

	block, err := findBlockByCID(env.BlocksBag, commitCID)
	if err != nil {
		parseLog.WithError(err).Debug("envelope: commit block not found in bag")
		return nil, ErrParse
	}
	env.CommitBlock = block

	if sigRaw != nil {
		env.Signature = sigRaw
	} else {
		sig, err := extractCommitSig(block)
		if err != nil {
			return nil, ErrParse
		}
		env.Signature = sig
	}

	if opsRaw != nil {
		ops, err := parseOps(opsRaw)
		if err != nil {
			return nil, ErrParse
		}
		env.Ops = ops
	}

	return env, nil
}

// bagEntry is one decoded [varint len][cid bytes][data bytes] record from a
// blocks_bag byte string.
type bagEntry struct {
	CID  []byte
	Data []byte
}

// walkBlocksBag calls fn for each entry in a blocks_bag, stopping at the
// first error fn returns or the first malformed entry.
func walkBlocksBag(bag []byte, fn func(bagEntry) (stop bool, err error)) error {
	off := 0
	for off < len(bag) {
		entryLen, n, err := varint.FromUvarint(bag[off:])
		if err != nil {
			return ErrParse
		}
		off += n
		if entryLen == 0 || off+int(entryLen) > len(bag) {
			return ErrParse
		}
		entry := bag[off : off+int(entryLen)]
		off += int(entryLen)

		cidLen, _, err := cid.CidFromBytes(entry)
		if err != nil {
			return ErrParse
		}
		be := bagEntry{CID: entry[:cidLen], Data: entry[cidLen:]}
		stop, err := fn(be)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// findBlockByCID scans a blocks_bag for the entry whose CID bytes match
// target, returning its data payload.
func findBlockByCID(bag []byte, target []byte) ([]byte, error) {
	var found []byte
	err := walkBlocksBag(bag, func(be bagEntry) (bool, error) {
		if bytesEqual(be.CID, target) {
			found = be.Data
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrParse
	}
	return found, nil
}

// decodeEmbeddedCID unwraps a DAG-CBOR tag-42 CID value and strips its
// leading multibase-identity sentinel byte, returning the raw CID bytes as
// they appear inside a blocks_bag entry.
func decodeEmbeddedCID(raw []byte) ([]byte, error) {
	_, payload, err := cborTagAndPayload(raw)
	if err != nil {
		// Some producers embed the CID as a plain byte string without the
		// tag wrapper; tolerate that form too.
		b, berr := cborBytes(raw)
		if berr != nil {
			return nil, err
		}
		payload = b
	}
	if len(payload) > 0 && payload[0] == cidSentinelByte {
		payload = payload[1:]
	}
	return payload, nil
}

// extractCommitSig decodes the commit block's own map looking for a "sig"
// field, used when the signature isn't duplicated at the top level.
func extractCommitSig(commitBlock []byte) ([]byte, error) {
	entries, err := cborDecodeMap(commitBlock)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Key == fieldSig {
			return cborBytesOrText(e.ValueRaw)
		}
	}
	return nil, ErrParse
}

// parseOps decodes the ops array into RecordOp values.
func parseOps(raw []byte) ([]RecordOp, error) {
	major, arg, hdrLen, indef, err := cborHeader(raw)
	if err != nil {
		return nil, err
	}
	if major != cborMajorArray {
		return nil, ErrParse
	}
	off := hdrLen
	var ops []RecordOp
	decodeOne := func() error {
		itemStart := off
		entries, derr := cborDecodeMap(raw[off:])
		if derr != nil {
			return derr
		}
		newOff, serr := cborSkip(raw, off)
		if serr != nil {
			return serr
		}
		off = newOff
		_ = itemStart

		var op RecordOp
		for _, e := range entries {
			switch e.Key {
			case opFieldAction:
				s, _ := cborBytesOrText(e.ValueRaw)
				switch string(s) {
				case opActionCreate:
					op.Action = OpCreate
				case opActionUpdate:
					op.Action = OpUpdate
				case opActionDelete:
					op.Action = OpDelete
				}
			case opFieldPath:
				s, _ := cborBytesOrText(e.ValueRaw)
				op.Path = s
			case opFieldCID:
				c, cerr := decodeEmbeddedCID(e.ValueRaw)
				if cerr == nil {
					op.RecordCID = c
				}
			}
		}
		if op.Action == 0 || op.Path == nil {
			return ErrParse
		}
		ops = append(ops, op)
		return nil
	}
	if indef {
		for off < len(raw) && raw[off] != cborBreak {
			if err := decodeOne(); err != nil {
				return nil, err
			}
		}
	} else {
		for i := uint64(0); i < arg; i++ {
			if err := decodeOne(); err != nil {
				return nil, err
			}
		}
	}
	return ops, nil
}

// cborBytesOrText decodes either a definite-length byte string or text
// string item, returning its payload.
func cborBytesOrText(buf []byte) ([]byte, error) {
	major, arg, hdrLen, indef, err := cborHeader(buf)
	if err != nil {
		return nil, err
	}
	if indef || (major != cborMajorBytes && major != cborMajorText) {
		return nil, ErrParse
	}
	end := hdrLen + int(arg)
	if end > len(buf) {
		return nil, ErrParse
	}
	return buf[hdrLen:end], nil
}

// cborUint decodes an unsigned integer item.
func cborUint(buf []byte) (uint64, error) {
	major, arg, _, _, err := cborHeader(buf)
	if err != nil {
		return 0, err
	}
	if major != cborMajorUint {
		return 0, ErrParse
	}
	return arg, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
