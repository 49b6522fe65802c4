package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
)

// Item types
const (
	itemApplicationContext    byte = 0x10
	itemPresentationContextRQ byte = 0x20
	itemPresentationContextAC byte = 0x21
	itemAbstractSyntax        byte = 0x30
	itemTransferSyntax        byte = 0x40
	itemUserInformation       byte = 0x50

	subItemMaxLength                 byte = 0x51
	subItemImplementationClassUID    byte = 0x52
	subItemAsyncOperationsWindow     byte = 0x53
	subItemRoleSelection             byte = 0x54
	subItemImplementationVersionName byte = 0x55
	subItemExtendedNegotiation       byte = 0x56
)

// maxControlBody bounds every PDU other than P-DATA-TF on Read.
const maxControlBody = 1 << 20

const (
	pdvCommandBit byte = 0x01
	pdvLastBit    byte = 0x02
)

type decodeFunc func(body []byte) (PDU, error)

var decoders = map[Type]decodeFunc{
	TypeAssociateRQ: decodeAssociateRQ,
	TypeAssociateAC: decodeAssociateAC,
	TypeAssociateRJ: decodeAssociateRJ,
	TypePDataTF:     decodeDataTF,
	TypeReleaseRQ:   decodeReleaseRQ,
	TypeReleaseRP:   decodeReleaseRP,
	TypeAbort:       decodeAbort,
}

// Known reports whether t is one of the seven PDU types.
func (t Type) Known() bool {
	_, ok := decoders[t]
	return ok
}

// Decode decodes the PDU at the start of buf and returns it with the number
// of bytes consumed. PDV data in the result aliases buf. A buffer holding
// less than the declared length yields a MalformedPDUError wrapping
// io.ErrUnexpectedEOF.
func Decode(buf []byte) (PDU, int, error) {
	if len(buf) < HeaderLength {
		return nil, 0, truncated(0, "PDU header needs %d bytes, have %d", HeaderLength, len(buf))
	}
	t := Type(buf[0])
	decode, ok := decoders[t]
	if !ok {
		return nil, 0, malformed(t, "unrecognized PDU type")
	}
	length := binary.BigEndian.Uint32(buf[2:6])
	if uint64(length) > uint64(len(buf)-HeaderLength) {
		return nil, 0, truncated(t, "declared length %d exceeds %d available bytes", length, len(buf)-HeaderLength)
	}
	end := HeaderLength + int(length)
	p, err := decode(buf[HeaderLength:end])
	if err != nil {
		return nil, 0, err
	}
	return p, end, nil
}

// Encode serializes p including its header.
func Encode(p PDU) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch v := p.(type) {
	case *AssociateRQ:
		body, err = encodeAssociate(TypeAssociateRQ, v.ProtocolVersion, v.CalledAETitle, v.CallingAETitle,
			v.ApplicationContext, v.PresentationContexts, &v.UserInformation)
	case *AssociateAC:
		body, err = encodeAssociate(TypeAssociateAC, v.ProtocolVersion, v.CalledAETitle, v.CallingAETitle,
			v.ApplicationContext, v.PresentationContexts, &v.UserInformation)
	case *AssociateRJ:
		body = []byte{0, byte(v.Result), byte(v.Source), byte(v.Reason)}
	case *DataTF:
		body, err = encodeDataTF(v)
	case *ReleaseRQ, *ReleaseRP:
		body = make([]byte, 4)
	case *Abort:
		if v.Source == dicomerrors.AbortSourceUnknown {
			return nil, malformed(TypeAbort, "abort source %s cannot be sent", v.Source)
		}
		body = []byte{0, 0, byte(v.Source), byte(v.Reason)}
	case nil:
		return nil, fmt.Errorf("pdu: cannot encode nil PDU")
	default:
		return nil, fmt.Errorf("pdu: unsupported PDU %T", p)
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderLength, HeaderLength+len(body))
	out[0] = byte(p.Type())
	binary.BigEndian.PutUint32(out[2:6], uint32(len(body)))
	return append(out, body...), nil
}

// Read reads one PDU from r. A P-DATA-TF whose body exceeds maxBody is
// rejected before its body is read; maxBody of zero disables the check.
func Read(r io.Reader, maxBody uint32) (PDU, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	t := Type(header[0])
	if _, ok := decoders[t]; !ok {
		return nil, malformed(t, "unrecognized PDU type")
	}
	length := binary.BigEndian.Uint32(header[2:6])
	limit := uint32(maxControlBody)
	if t == TypePDataTF {
		limit = maxBody
	}
	if limit != 0 && length > limit {
		return nil, malformed(t, "length %d exceeds maximum %d", length, limit)
	}

	buf := make([]byte, HeaderLength+int(length))
	copy(buf, header[:])
	if _, err := io.ReadFull(r, buf[HeaderLength:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	p, _, err := Decode(buf)
	return p, err
}

// Write encodes p and writes it to w in a single call.
func Write(w io.Writer, p PDU) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func malformed(t Type, format string, args ...any) error {
	return dicomerrors.NewMalformedPDUError(byte(t), format, args...)
}

func truncated(t Type, format string, args ...any) error {
	err := dicomerrors.NewMalformedPDUError(byte(t), format, args...)
	err.Err = io.ErrUnexpectedEOF
	return err
}

type item struct {
	typ   byte
	value []byte
}

// splitItems walks a run of items, each type:1 reserved:1 length:2 value.
func splitItems(t Type, b []byte) ([]item, error) {
	var items []item
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, truncated(t, "item header needs 4 bytes, have %d", len(b))
		}
		l := int(binary.BigEndian.Uint16(b[2:4]))
		if 4+l > len(b) {
			return nil, truncated(t, "item 0x%02X length %d exceeds %d remaining bytes", b[0], l, len(b)-4)
		}
		items = append(items, item{typ: b[0], value: b[4 : 4+l]})
		b = b[4+l:]
	}
	return items, nil
}

func appendItem(t Type, b []byte, typ byte, value []byte) ([]byte, error) {
	if len(value) > 0xFFFF {
		return nil, malformed(t, "item 0x%02X value of %d bytes does not fit its length field", typ, len(value))
	}
	b = append(b, typ, 0)
	b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	return append(b, value...), nil
}

func trimUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func trimTitle(raw []byte) string {
	return strings.Trim(string(raw), " \x00")
}

func appendTitle(t Type, b []byte, title, field string) ([]byte, error) {
	if len(title) > MaxTitleLength {
		return nil, malformed(t, "%s AE title %q longer than %d bytes", field, title, MaxTitleLength)
	}
	b = append(b, title...)
	for i := len(title); i < MaxTitleLength; i++ {
		b = append(b, ' ')
	}
	return b, nil
}

// Fixed part of A-ASSOCIATE-RQ/AC: version, reserved, called, calling, reserved.
const associateFixedLength = 2 + 2 + 16 + 16 + 32

func encodeAssociate(t Type, version uint16, called, calling, appCtx string, pcs []PresentationContext, ui *UserInformation) ([]byte, error) {
	if version == 0 {
		version = ProtocolVersion
	}
	if appCtx == "" {
		return nil, malformed(t, "application context name is empty")
	}
	if len(pcs) == 0 {
		return nil, malformed(t, "at least one presentation context is required")
	}

	b := make([]byte, 0, 256)
	b = binary.BigEndian.AppendUint16(b, version)
	b = append(b, 0, 0)
	var err error
	if b, err = appendTitle(t, b, called, "called"); err != nil {
		return nil, err
	}
	if b, err = appendTitle(t, b, calling, "calling"); err != nil {
		return nil, err
	}
	b = append(b, make([]byte, 32)...)

	if b, err = appendItem(t, b, itemApplicationContext, []byte(appCtx)); err != nil {
		return nil, err
	}

	seen := make(map[byte]bool, len(pcs))
	for _, pc := range pcs {
		if pc.ID%2 == 0 {
			return nil, malformed(t, "presentation context ID %d is even", pc.ID)
		}
		if seen[pc.ID] {
			return nil, malformed(t, "duplicate presentation context ID %d", pc.ID)
		}
		seen[pc.ID] = true

		var value []byte
		if t == TypeAssociateRQ {
			value, err = encodeContextRQ(pc)
		} else {
			value, err = encodeContextAC(pc)
		}
		if err != nil {
			return nil, err
		}
		typ := itemPresentationContextRQ
		if t == TypeAssociateAC {
			typ = itemPresentationContextAC
		}
		if b, err = appendItem(t, b, typ, value); err != nil {
			return nil, err
		}
	}

	value, err := encodeUserInformation(t, ui)
	if err != nil {
		return nil, err
	}
	return appendItem(t, b, itemUserInformation, value)
}

func encodeContextRQ(pc PresentationContext) ([]byte, error) {
	if pc.AbstractSyntax == "" {
		return nil, malformed(TypeAssociateRQ, "presentation context %d has no abstract syntax", pc.ID)
	}
	if len(pc.TransferSyntaxes) == 0 {
		return nil, malformed(TypeAssociateRQ, "presentation context %d proposes no transfer syntax", pc.ID)
	}
	b := []byte{pc.ID, 0, 0, 0}
	b, err := appendItem(TypeAssociateRQ, b, itemAbstractSyntax, []byte(pc.AbstractSyntax))
	if err != nil {
		return nil, err
	}
	for _, ts := range pc.TransferSyntaxes {
		if b, err = appendItem(TypeAssociateRQ, b, itemTransferSyntax, []byte(ts)); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func encodeContextAC(pc PresentationContext) ([]byte, error) {
	if pc.Result == ResultAcceptance && len(pc.TransferSyntaxes) != 1 {
		return nil, malformed(TypeAssociateAC, "accepted presentation context %d must carry exactly one transfer syntax, has %d",
			pc.ID, len(pc.TransferSyntaxes))
	}
	b := []byte{pc.ID, 0, byte(pc.Result), 0}
	var err error
	if len(pc.TransferSyntaxes) == 0 {
		// The sub-item is present but not significant for rejected contexts.
		return appendItem(TypeAssociateAC, b, itemTransferSyntax, nil)
	}
	for _, ts := range pc.TransferSyntaxes {
		if b, err = appendItem(TypeAssociateAC, b, itemTransferSyntax, []byte(ts)); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func encodeUserInformation(t Type, ui *UserInformation) ([]byte, error) {
	b := make([]byte, 0, 64)
	var err error

	b, _ = appendItem(t, b, subItemMaxLength, binary.BigEndian.AppendUint32(nil, ui.MaxLength))
	if ui.ImplementationClassUID != "" {
		if b, err = appendItem(t, b, subItemImplementationClassUID, []byte(ui.ImplementationClassUID)); err != nil {
			return nil, err
		}
	}
	if w := ui.AsyncOperationsWindow; w != nil {
		v := binary.BigEndian.AppendUint16(nil, w.MaxInvoked)
		v = binary.BigEndian.AppendUint16(v, w.MaxPerformed)
		b, _ = appendItem(t, b, subItemAsyncOperationsWindow, v)
	}
	for _, rs := range ui.RoleSelections {
		v := binary.BigEndian.AppendUint16(nil, uint16(len(rs.SOPClassUID)))
		v = append(v, rs.SOPClassUID...)
		v = append(v, boolByte(rs.SCU), boolByte(rs.SCP))
		if b, err = appendItem(t, b, subItemRoleSelection, v); err != nil {
			return nil, err
		}
	}
	if ui.ImplementationVersionName != "" {
		if len(ui.ImplementationVersionName) > MaxTitleLength {
			return nil, malformed(t, "implementation version name %q longer than %d bytes",
				ui.ImplementationVersionName, MaxTitleLength)
		}
		if b, err = appendItem(t, b, subItemImplementationVersionName, []byte(ui.ImplementationVersionName)); err != nil {
			return nil, err
		}
	}
	for _, en := range ui.ExtendedNegotiations {
		v := binary.BigEndian.AppendUint16(nil, uint16(len(en.SOPClassUID)))
		v = append(v, en.SOPClassUID...)
		v = append(v, en.Info...)
		if b, err = appendItem(t, b, subItemExtendedNegotiation, v); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

type associateFields struct {
	version uint16
	called  string
	calling string
	appCtx  string
	pcs     []PresentationContext
	ui      UserInformation
}

func decodeAssociate(t Type, body []byte) (*associateFields, error) {
	if len(body) < associateFixedLength {
		return nil, truncated(t, "body of %d bytes shorter than fixed part", len(body))
	}
	f := &associateFields{
		version: binary.BigEndian.Uint16(body[0:2]),
		called:  trimTitle(body[4:20]),
		calling: trimTitle(body[20:36]),
	}

	items, err := splitItems(t, body[associateFixedLength:])
	if err != nil {
		return nil, err
	}

	var haveAppCtx, haveUserInfo bool
	seen := make(map[byte]bool)
	for _, it := range items {
		switch it.typ {
		case itemApplicationContext:
			f.appCtx = trimUID(it.value)
			haveAppCtx = true
		case itemPresentationContextRQ, itemPresentationContextAC:
			want := itemPresentationContextRQ
			if t == TypeAssociateAC {
				want = itemPresentationContextAC
			}
			if it.typ != want {
				return nil, malformed(t, "presentation context item 0x%02X not allowed", it.typ)
			}
			var pc PresentationContext
			if t == TypeAssociateRQ {
				pc, err = decodeContextRQ(it.value)
			} else {
				pc, err = decodeContextAC(it.value)
			}
			if err != nil {
				return nil, err
			}
			if seen[pc.ID] {
				return nil, malformed(t, "duplicate presentation context ID %d", pc.ID)
			}
			seen[pc.ID] = true
			f.pcs = append(f.pcs, pc)
		case itemUserInformation:
			if f.ui, err = decodeUserInformation(t, it.value); err != nil {
				return nil, err
			}
			haveUserInfo = true
		}
	}

	switch {
	case !haveAppCtx:
		return nil, malformed(t, "missing application context item")
	case len(f.pcs) == 0:
		return nil, malformed(t, "no presentation context item")
	case !haveUserInfo:
		return nil, malformed(t, "missing user information item")
	}
	return f, nil
}

func decodeAssociateRQ(body []byte) (PDU, error) {
	f, err := decodeAssociate(TypeAssociateRQ, body)
	if err != nil {
		return nil, err
	}
	return &AssociateRQ{
		ProtocolVersion:      f.version,
		CalledAETitle:        f.called,
		CallingAETitle:       f.calling,
		ApplicationContext:   f.appCtx,
		PresentationContexts: f.pcs,
		UserInformation:      f.ui,
	}, nil
}

func decodeAssociateAC(body []byte) (PDU, error) {
	f, err := decodeAssociate(TypeAssociateAC, body)
	if err != nil {
		return nil, err
	}
	return &AssociateAC{
		ProtocolVersion:      f.version,
		CalledAETitle:        f.called,
		CallingAETitle:       f.calling,
		ApplicationContext:   f.appCtx,
		PresentationContexts: f.pcs,
		UserInformation:      f.ui,
	}, nil
}

func decodeContextHeader(t Type, value []byte) (byte, []item, error) {
	if len(value) < 4 {
		return 0, nil, truncated(t, "presentation context item of %d bytes", len(value))
	}
	id := value[0]
	if id%2 == 0 {
		return 0, nil, malformed(t, "presentation context ID %d is even", id)
	}
	subs, err := splitItems(t, value[4:])
	return id, subs, err
}

func decodeContextRQ(value []byte) (PresentationContext, error) {
	id, subs, err := decodeContextHeader(TypeAssociateRQ, value)
	if err != nil {
		return PresentationContext{}, err
	}
	pc := PresentationContext{ID: id}
	for _, s := range subs {
		switch s.typ {
		case itemAbstractSyntax:
			pc.AbstractSyntax = trimUID(s.value)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(s.value))
		}
	}
	if pc.AbstractSyntax == "" {
		return PresentationContext{}, malformed(TypeAssociateRQ, "presentation context %d has no abstract syntax", id)
	}
	if len(pc.TransferSyntaxes) == 0 {
		return PresentationContext{}, malformed(TypeAssociateRQ, "presentation context %d proposes no transfer syntax", id)
	}
	return pc, nil
}

func decodeContextAC(value []byte) (PresentationContext, error) {
	id, subs, err := decodeContextHeader(TypeAssociateAC, value)
	if err != nil {
		return PresentationContext{}, err
	}
	pc := PresentationContext{ID: id, Result: Result(value[2])}
	for _, s := range subs {
		if s.typ != itemTransferSyntax {
			continue
		}
		if ts := trimUID(s.value); ts != "" {
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, ts)
		}
	}
	if pc.Result == ResultAcceptance && len(pc.TransferSyntaxes) != 1 {
		return PresentationContext{}, malformed(TypeAssociateAC,
			"accepted presentation context %d carries %d transfer syntaxes", id, len(pc.TransferSyntaxes))
	}
	return pc, nil
}

func decodeUserInformation(t Type, value []byte) (UserInformation, error) {
	subs, err := splitItems(t, value)
	if err != nil {
		return UserInformation{}, err
	}
	var (
		ui           UserInformation
		hasMaxLength bool
	)
	for _, s := range subs {
		switch s.typ {
		case subItemMaxLength:
			if len(s.value) != 4 {
				return UserInformation{}, malformed(t, "maximum length sub-item of %d bytes", len(s.value))
			}
			ui.MaxLength = binary.BigEndian.Uint32(s.value)
			hasMaxLength = true
		case subItemImplementationClassUID:
			ui.ImplementationClassUID = trimUID(s.value)
		case subItemImplementationVersionName:
			ui.ImplementationVersionName = strings.TrimRight(string(s.value), " \x00")
		case subItemAsyncOperationsWindow:
			if len(s.value) != 4 {
				return UserInformation{}, malformed(t, "async operations window sub-item of %d bytes", len(s.value))
			}
			ui.AsyncOperationsWindow = &AsyncOperationsWindow{
				MaxInvoked:   binary.BigEndian.Uint16(s.value[0:2]),
				MaxPerformed: binary.BigEndian.Uint16(s.value[2:4]),
			}
		case subItemRoleSelection:
			uid, rest, err := splitUIDPrefixed(t, s.value)
			if err != nil {
				return UserInformation{}, err
			}
			if len(rest) != 2 {
				return UserInformation{}, malformed(t, "role selection for %s has %d role bytes", uid, len(rest))
			}
			ui.RoleSelections = append(ui.RoleSelections, RoleSelection{
				SOPClassUID: uid,
				SCU:         rest[0] == 1,
				SCP:         rest[1] == 1,
			})
		case subItemExtendedNegotiation:
			uid, rest, err := splitUIDPrefixed(t, s.value)
			if err != nil {
				return UserInformation{}, err
			}
			info := make([]byte, len(rest))
			copy(info, rest)
			ui.ExtendedNegotiations = append(ui.ExtendedNegotiations, ExtendedNegotiation{SOPClassUID: uid, Info: info})
		}
	}
	if !hasMaxLength {
		return UserInformation{}, malformed(t, "user information lacks maximum length sub-item")
	}
	return ui, nil
}

// splitUIDPrefixed splits a value that starts with uid-length:2 uid.
func splitUIDPrefixed(t Type, v []byte) (string, []byte, error) {
	if len(v) < 2 {
		return "", nil, truncated(t, "sub-item of %d bytes lacks UID length", len(v))
	}
	n := int(binary.BigEndian.Uint16(v[0:2]))
	if 2+n > len(v) {
		return "", nil, truncated(t, "UID length %d exceeds sub-item", n)
	}
	return trimUID(v[2 : 2+n]), v[2+n:], nil
}

func decodeAssociateRJ(body []byte) (PDU, error) {
	if len(body) != 4 {
		return nil, malformed(TypeAssociateRJ, "body of %d bytes, want 4", len(body))
	}
	return &AssociateRJ{
		Result: dicomerrors.AssociationRejectResult(body[1]),
		Source: dicomerrors.AssociationRejectSource(body[2]),
		Reason: dicomerrors.AssociationRejectReason(body[3]),
	}, nil
}

func encodeDataTF(p *DataTF) ([]byte, error) {
	if len(p.Items) == 0 {
		return nil, malformed(TypePDataTF, "no PDV item")
	}
	size := 0
	for _, pdv := range p.Items {
		size += PDVHeaderLength + len(pdv.Data)
	}
	b := make([]byte, 0, size)
	for _, pdv := range p.Items {
		b = binary.BigEndian.AppendUint32(b, uint32(len(pdv.Data)+2))
		var mch byte
		if pdv.Command {
			mch |= pdvCommandBit
		}
		if pdv.Last {
			mch |= pdvLastBit
		}
		b = append(b, pdv.ContextID, mch)
		b = append(b, pdv.Data...)
	}
	return b, nil
}

func decodeDataTF(body []byte) (PDU, error) {
	p := &DataTF{}
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, truncated(TypePDataTF, "PDV length field needs 4 bytes, have %d", len(body))
		}
		l := binary.BigEndian.Uint32(body[0:4])
		if l < 2 {
			return nil, malformed(TypePDataTF, "PDV length %d shorter than its header", l)
		}
		if uint64(l) > uint64(len(body)-4) {
			return nil, truncated(TypePDataTF, "PDV length %d exceeds %d remaining bytes", l, len(body)-4)
		}
		mch := body[5]
		p.Items = append(p.Items, PDV{
			ContextID: body[4],
			Command:   mch&pdvCommandBit != 0,
			Last:      mch&pdvLastBit != 0,
			Data:      body[6 : 4+l],
		})
		body = body[4+l:]
	}
	if len(p.Items) == 0 {
		return nil, malformed(TypePDataTF, "no PDV item")
	}
	return p, nil
}

func decodeRelease(t Type, body []byte) error {
	if len(body) != 0 && len(body) != 4 {
		return malformed(t, "body of %d bytes, want 4", len(body))
	}
	return nil
}

func decodeReleaseRQ(body []byte) (PDU, error) {
	if err := decodeRelease(TypeReleaseRQ, body); err != nil {
		return nil, err
	}
	return &ReleaseRQ{}, nil
}

func decodeReleaseRP(body []byte) (PDU, error) {
	if err := decodeRelease(TypeReleaseRP, body); err != nil {
		return nil, err
	}
	return &ReleaseRP{}, nil
}

func decodeAbort(body []byte) (PDU, error) {
	if len(body) != 4 {
		return nil, malformed(TypeAbort, "body of %d bytes, want 4", len(body))
	}
	return &Abort{
		Source: dicomerrors.AbortSource(body[2]),
		Reason: dicomerrors.AbortReason(body[3]),
	}, nil
}
