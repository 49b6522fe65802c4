// Package message splits application messages into PDVs and reassembles
// them. A message is a command set followed by an optional payload, both
// opaque to this package.
package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/caio-sobreiro/dicomul/pdu"
)

// Message is one reassembled command with its payload. Payload is nil when
// the message carried none.
type Message struct {
	ContextID byte
	Command   []byte
	Payload   []byte
}

// unlimitedChunk is the PDU body size used when the peer sets no maximum.
const unlimitedChunk = 1 << 20

// MinPDULength is the smallest maximum length that leaves room for data.
const MinPDULength = pdu.PDVHeaderLength + 1

// Fragmenter splits messages for a peer that accepts P-DATA-TF bodies of at
// most MaxPDULength bytes. Zero means the peer sets no limit.
type Fragmenter struct {
	MaxPDULength uint32
}

func (f Fragmenter) limit() (int, error) {
	if f.MaxPDULength == 0 {
		return unlimitedChunk, nil
	}
	if f.MaxPDULength < MinPDULength {
		return 0, fmt.Errorf("message: maximum PDU length %d leaves no room for data", f.MaxPDULength)
	}
	if f.MaxPDULength > unlimitedChunk*64 {
		return unlimitedChunk * 64, nil
	}
	return int(f.MaxPDULength), nil
}

// Fragment emits the command and then the payload as P-DATA-TF PDUs on
// contextID. Each half ends with exactly one PDV flagged last. Small PDVs
// share a PDU when they fit. The payload is read in chunks with one byte of
// look-ahead, so it is never held in memory whole. A nil payload sends a
// command-only message. Data in an emitted PDU is only valid until emit
// returns.
func (f Fragmenter) Fragment(contextID byte, command []byte, payload io.Reader, emit func(*pdu.DataTF) error) error {
	limit, err := f.limit()
	if err != nil {
		return err
	}
	w := &packer{limit: limit, emit: emit}

	rest := command
	for {
		n := min(w.room(), len(rest))
		last := n == len(rest)
		if err := w.add(pdu.PDV{ContextID: contextID, Command: true, Last: last, Data: rest[:n]}); err != nil {
			return err
		}
		rest = rest[n:]
		if last {
			break
		}
	}

	if payload != nil {
		br := bufio.NewReaderSize(payload, min(limit, 64*1024))
		for {
			chunk := make([]byte, w.room())
			got, err := io.ReadFull(br, chunk)
			last := false
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				last = true
			case err != nil:
				return fmt.Errorf("message: reading payload: %w", err)
			default:
				if _, perr := br.Peek(1); perr != nil {
					if !errors.Is(perr, io.EOF) {
						return fmt.Errorf("message: reading payload: %w", perr)
					}
					last = true
				}
			}
			if err := w.add(pdu.PDV{ContextID: contextID, Last: last, Data: chunk[:got]}); err != nil {
				return err
			}
			if last {
				break
			}
		}
	}
	return w.flush()
}

// packer collects PDVs into a P-DATA-TF until the next one would not fit.
type packer struct {
	limit int
	body  int
	items []pdu.PDV
	emit  func(*pdu.DataTF) error
}

// room returns how many data bytes the next PDV may carry, flushing first
// when the pending PDU cannot take another PDV with data.
func (p *packer) room() int {
	avail := p.limit - p.body - pdu.PDVHeaderLength
	if avail < 1 && len(p.items) > 0 {
		return p.limit - pdu.PDVHeaderLength
	}
	return avail
}

func (p *packer) add(pdv pdu.PDV) error {
	size := pdu.PDVHeaderLength + len(pdv.Data)
	if len(p.items) > 0 && p.body+size > p.limit {
		if err := p.flush(); err != nil {
			return err
		}
	}
	p.items = append(p.items, pdv)
	p.body += size
	return nil
}

func (p *packer) flush() error {
	if len(p.items) == 0 {
		return nil
	}
	tf := &pdu.DataTF{Items: p.items}
	p.items = nil
	p.body = 0
	return p.emit(tf)
}
