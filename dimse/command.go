// Package dimse frames DIMSE command sets carried as the command half of an
// upper layer message and dispatches them to service handlers.
//
// Command sets are always Implicit VR Little Endian and hold only group 0000
// elements. Payloads are opaque here.
package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
)

// Command field values
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CGetRQ    uint16 = 0x0010
	CGetRSP   uint16 = 0x8010
	CFindRQ   uint16 = 0x0020
	CFindRSP  uint16 = 0x8020
	CMoveRQ   uint16 = 0x0021
	CMoveRSP  uint16 = 0x8021
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
	CCancelRQ uint16 = 0x0FFF
)

// Status codes
const (
	StatusSuccess = 0x0000
	StatusPending = 0xFF00
	StatusCancel  = 0xFE00
	StatusFailure = 0xC000
)

// Priority values
const (
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
	PriorityLow    uint16 = 0x0002
)

// NoDataSet is the Command Data Set Type of a command without payload.
const NoDataSet uint16 = 0x0101

// Command element tags (group 0000)
const (
	tagGroupLength               uint16 = 0x0000
	tagAffectedSOPClassUID       uint16 = 0x0002
	tagRequestedSOPClassUID      uint16 = 0x0003
	tagCommandField              uint16 = 0x0100
	tagMessageID                 uint16 = 0x0110
	tagMessageIDBeingRespondedTo uint16 = 0x0120
	tagMoveDestination           uint16 = 0x0600
	tagPriority                  uint16 = 0x0700
	tagCommandDataSetType        uint16 = 0x0800
	tagStatus                    uint16 = 0x0900
	tagErrorComment              uint16 = 0x0902
	tagAffectedSOPInstanceUID    uint16 = 0x1000
	tagRemaining                 uint16 = 0x1020
	tagCompleted                 uint16 = 0x1021
	tagFailed                    uint16 = 0x1022
	tagWarning                   uint16 = 0x1023
)

// Command is a decoded DIMSE command set.
type Command struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	MoveDestination           string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	ErrorComment              string

	// Sub-operation counters of C-MOVE and C-GET responses
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// IsResponse reports whether the command field has the response bit set.
func (c *Command) IsResponse() bool {
	return c.CommandField&0x8000 != 0
}

// HasDataSet reports whether a payload follows the command set.
func (c *Command) HasDataSet() bool {
	return c.CommandDataSetType != NoDataSet
}

func (c *Command) String() string {
	if c.IsResponse() {
		return fmt.Sprintf("%s id=%d status=0x%04x", CommandName(c.CommandField), c.MessageIDBeingRespondedTo, c.Status)
	}
	return fmt.Sprintf("%s id=%d", CommandName(c.CommandField), c.MessageID)
}

// CommandName returns the DIMSE name of a command field.
func CommandName(field uint16) string {
	switch field {
	case CStoreRQ:
		return "C-STORE-RQ"
	case CStoreRSP:
		return "C-STORE-RSP"
	case CGetRQ:
		return "C-GET-RQ"
	case CGetRSP:
		return "C-GET-RSP"
	case CFindRQ:
		return "C-FIND-RQ"
	case CFindRSP:
		return "C-FIND-RSP"
	case CMoveRQ:
		return "C-MOVE-RQ"
	case CMoveRSP:
		return "C-MOVE-RSP"
	case CEchoRQ:
		return "C-ECHO-RQ"
	case CEchoRSP:
		return "C-ECHO-RSP"
	case CCancelRQ:
		return "C-CANCEL-RQ"
	default:
		return fmt.Sprintf("0x%04x", field)
	}
}

// ResponseFor maps a request command field to its response command field.
func ResponseFor(request uint16) uint16 {
	return request | 0x8000
}

// Encode renders c as an Implicit VR Little Endian command set, led by its
// group length element. Zero optional fields are left out.
func Encode(c *Command) []byte {
	buf := make([]byte, 12, 256)

	buf = appendUID(buf, tagAffectedSOPClassUID, c.AffectedSOPClassUID)
	buf = appendUID(buf, tagRequestedSOPClassUID, c.RequestedSOPClassUID)
	buf = appendUint16(buf, tagCommandField, c.CommandField)
	if c.MessageID != 0 {
		buf = appendUint16(buf, tagMessageID, c.MessageID)
	}
	if c.MessageIDBeingRespondedTo != 0 {
		buf = appendUint16(buf, tagMessageIDBeingRespondedTo, c.MessageIDBeingRespondedTo)
	}
	if c.MoveDestination != "" {
		buf = appendElement(buf, tagMoveDestination, padded(c.MoveDestination, ' '))
	}
	if c.Priority != 0 || c.CommandField == CStoreRQ || c.CommandField == CFindRQ ||
		c.CommandField == CMoveRQ || c.CommandField == CGetRQ {
		buf = appendUint16(buf, tagPriority, c.Priority)
	}
	buf = appendUint16(buf, tagCommandDataSetType, c.CommandDataSetType)
	if c.IsResponse() {
		buf = appendUint16(buf, tagStatus, c.Status)
	}
	if c.ErrorComment != "" {
		buf = appendElement(buf, tagErrorComment, padded(c.ErrorComment, ' '))
	}
	buf = appendUID(buf, tagAffectedSOPInstanceUID, c.AffectedSOPInstanceUID)

	for _, counter := range []struct {
		tag   uint16
		value *uint16
	}{
		{tagRemaining, c.NumberOfRemainingSuboperations},
		{tagCompleted, c.NumberOfCompletedSuboperations},
		{tagFailed, c.NumberOfFailedSuboperations},
		{tagWarning, c.NumberOfWarningSuboperations},
	} {
		if counter.value != nil {
			buf = appendUint16(buf, counter.tag, *counter.value)
		}
	}

	binary.LittleEndian.PutUint16(buf[0:2], 0x0000)
	binary.LittleEndian.PutUint16(buf[2:4], tagGroupLength)
	binary.LittleEndian.PutUint32(buf[4:8], 4)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(buf)-12))
	return buf
}

func appendElement(buf []byte, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, 0x0000)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func appendUint16(buf []byte, element, v uint16) []byte {
	return appendElement(buf, element, binary.LittleEndian.AppendUint16(nil, v))
}

func appendUID(buf []byte, element uint16, uid string) []byte {
	if uid == "" {
		return buf
	}
	return appendElement(buf, element, padded(uid, 0x00))
}

// padded returns s as bytes of even length.
func padded(s string, pad byte) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, pad)
	}
	return b
}

// Decode parses a command set. Elements outside group 0000 and unknown
// command elements are skipped; a truncated element is an error.
func Decode(data []byte) (*Command, error) {
	c := &Command{CommandDataSetType: NoDataSet}
	seenField := false

	for offset := 0; offset < len(data); {
		if len(data)-offset < 8 {
			return nil, fmt.Errorf("%w: command element header truncated at offset %d", dicomerrors.ErrInvalidPDU, offset)
		}
		group := binary.LittleEndian.Uint16(data[offset:])
		element := binary.LittleEndian.Uint16(data[offset+2:])
		length := int(binary.LittleEndian.Uint32(data[offset+4:]))
		offset += 8
		if length < 0 || length > len(data)-offset {
			return nil, fmt.Errorf("%w: command element (%04x,%04x) length %d exceeds %d remaining bytes",
				dicomerrors.ErrInvalidPDU, group, element, length, len(data)-offset)
		}
		value := data[offset : offset+length]
		offset += length

		if group != 0x0000 {
			continue
		}
		switch element {
		case tagAffectedSOPClassUID:
			c.AffectedSOPClassUID = trimValue(value)
		case tagRequestedSOPClassUID:
			c.RequestedSOPClassUID = trimValue(value)
		case tagCommandField:
			seenField = true
			c.CommandField = uint16Value(value)
		case tagMessageID:
			c.MessageID = uint16Value(value)
		case tagMessageIDBeingRespondedTo:
			c.MessageIDBeingRespondedTo = uint16Value(value)
		case tagMoveDestination:
			c.MoveDestination = trimValue(value)
		case tagPriority:
			c.Priority = uint16Value(value)
		case tagCommandDataSetType:
			c.CommandDataSetType = uint16Value(value)
		case tagStatus:
			c.Status = uint16Value(value)
		case tagErrorComment:
			c.ErrorComment = trimValue(value)
		case tagAffectedSOPInstanceUID:
			c.AffectedSOPInstanceUID = trimValue(value)
		case tagRemaining:
			c.NumberOfRemainingSuboperations = counterValue(value)
		case tagCompleted:
			c.NumberOfCompletedSuboperations = counterValue(value)
		case tagFailed:
			c.NumberOfFailedSuboperations = counterValue(value)
		case tagWarning:
			c.NumberOfWarningSuboperations = counterValue(value)
		}
	}

	if !seenField {
		return nil, fmt.Errorf("%w: command set has no command field", dicomerrors.ErrInvalidPDU)
	}
	return c, nil
}

// CommandHasDataSet reports whether the command set announces a payload. It
// is the payload probe used by associations carrying DIMSE traffic.
func CommandHasDataSet(command []byte) (bool, error) {
	c, err := Decode(command)
	if err != nil {
		return false, err
	}
	return c.HasDataSet(), nil
}

func trimValue(v []byte) string {
	return strings.TrimRight(string(v), "\x00 ")
}

func uint16Value(v []byte) uint16 {
	if len(v) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

func counterValue(v []byte) *uint16 {
	if len(v) < 2 {
		return nil
	}
	n := binary.LittleEndian.Uint16(v)
	return &n
}
