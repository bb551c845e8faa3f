// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the tunnel's TCP wire format.
//
// Every message is a 4-byte unsigned big-endian length followed by exactly
// that many payload bytes:
//
//	+--------+--------+--------+--------+=================+
//	|          length (uint32, BE)      |  payload bytes  |
//	+--------+--------+--------+--------+=================+
//
// There is no magic number, version or checksum; the TCP transport provides
// ordering and integrity. The length never exceeds MaxPayloadSize.
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/absmach/uotunnel/pkg/errors"
)

const (
	// HeaderSize is the length prefix size in bytes.
	HeaderSize = 4

	// MaxPayloadSize is the largest UDP payload carried by one frame.
	MaxPayloadSize = 65507

	readBufferSize = 64 * 1024
)

// Write encodes payload as one frame and writes it with a single vectored
// write. Payloads larger than MaxPayloadSize are rejected.
func Write(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return errors.ErrFrameTooLarge
	}

	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	bufs := net.Buffers{hdr[:], payload}
	_, err := bufs.WriteTo(w)
	return err
}

// Reader decodes frames from a byte stream into a reusable buffer.
type Reader struct {
	r   *bufio.Reader
	hdr [HeaderSize]byte
	buf []byte
}

// NewReader returns a Reader decoding frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   bufio.NewReaderSize(r, readBufferSize),
		buf: make([]byte, MaxPayloadSize),
	}
}

// Next reads one complete frame. The returned slice aliases the Reader's
// buffer and is only valid until the next call.
//
// A stream that ends cleanly between frames yields io.EOF; one that ends
// inside a frame yields io.ErrUnexpectedEOF.
func (fr *Reader) Next() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(fr.hdr[:])
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: header announces %d bytes", errors.ErrFrameTooLarge, n)
	}

	payload := fr.buf[:n]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return payload, nil
}
