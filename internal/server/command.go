package server

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"lsmkv/pkg/db"
	"lsmkv/pkg/dberrors"
)

// Wire command tags.
const (
	tagPut    = 'p'
	tagGet    = 'g'
	tagDelete = 'd'
	tagLoad   = 'l'
	tagRange  = 'r'
	tagStats  = 's'
)

// request is one decoded wire command. key/val double as min/max for
// range requests; payload carries the raw load pairs.
type request struct {
	tag     byte
	key     int32
	val     int32
	payload []byte
}

// readRequest decodes the next length-framed binary command. Any
// malformed input surfaces as an error and drops the connection.
func readRequest(r *bufio.Reader) (request, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return request{}, err
	}

	req := request{tag: tag}
	switch tag {
	case tagPut:
		if req.key, err = readInt32(r); err != nil {
			return request{}, err
		}
		req.val, err = readInt32(r)
	case tagGet, tagDelete:
		req.key, err = readInt32(r)
	case tagLoad:
		var pairs uint64
		if pairs, err = readUint64(r); err != nil {
			return request{}, err
		}
		if pairs > math.MaxInt32/8 {
			return request{}, fmt.Errorf("%w: load of %d pairs", dberrors.ErrUnknownCommand, pairs)
		}
		req.payload = make([]byte, pairs*8)
		_, err = io.ReadFull(r, req.payload)
	case tagRange:
		if req.key, err = readInt32(r); err != nil {
			return request{}, err
		}
		req.val, err = readInt32(r)
	case tagStats:
	default:
		return request{}, fmt.Errorf("%w: %#x", dberrors.ErrUnknownCommand, tag)
	}
	if err != nil {
		return request{}, err
	}
	return req, nil
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// execute runs a request against the store and writes the response body
// into out. The range upper bound is exclusive on the wire; the engine
// treats it as inclusive, so it is narrowed here.
func execute(database *db.Database, req request, out *bytes.Buffer) error {
	switch req.tag {
	case tagPut:
		if err := database.Insert(req.key, req.val); err != nil {
			return err
		}
		out.WriteString("OK")
	case tagGet:
		val, found, err := database.Get(req.key)
		if err != nil {
			return err
		}
		if found {
			out.WriteString(strconv.FormatInt(int64(val), 10))
		}
	case tagDelete:
		if err := database.Delete(req.key); err != nil {
			return err
		}
		out.WriteString("OK")
	case tagLoad:
		if err := database.Load(req.payload); err != nil {
			return err
		}
		out.WriteString("OK")
	case tagRange:
		pairs, err := database.Range(req.key, req.val-1)
		if err != nil {
			return err
		}
		for key, val := range pairs {
			fmt.Fprintf(out, "%d:%d ", key, val)
		}
	case tagStats:
		if err := database.WriteStats(out); err != nil {
			return err
		}
	}
	return nil
}
