package l3

// LAI is a location area identity.
type LAI struct {
	MCC string
	MNC string
	LAC uint16
}

// Encode renders the 5-octet LAI element value.
func (l LAI) Encode() []byte {
	d := func(s string, i int) byte {
		if i < len(s) {
			return s[i] - '0'
		}
		return 0x0f
	}
	mnc3 := byte(0x0f)
	if len(l.MNC) == 3 {
		mnc3 = d(l.MNC, 2)
	}
	return []byte{
		d(l.MCC, 0) | d(l.MCC, 1)<<4,
		d(l.MCC, 2) | mnc3<<4,
		d(l.MNC, 0) | d(l.MNC, 1)<<4,
		byte(l.LAC >> 8), byte(l.LAC),
	}
}

// LocationUpdateAccept renders a Location Updating Accept for lai.
func LocationUpdateAccept(lai LAI) []byte {
	return append([]byte{PDMM, MsgLocUpdAccept}, lai.Encode()...)
}

// LocationUpdateReject renders a Location Updating Reject with cause.
func LocationUpdateReject(cause uint8) []byte {
	return []byte{PDMM, MsgLocUpdReject, cause}
}

// CMServiceAccept renders a CM Service Accept.
func CMServiceAccept() []byte {
	return []byte{PDMM, MsgCMServiceAccept}
}

// CMServiceReject renders a CM Service Reject with cause.
func CMServiceReject(cause uint8) []byte {
	return []byte{PDMM, MsgCMServiceReject, cause}
}

// IdentityRequest renders an Identity Request for typ.
func IdentityRequest(typ IdentityType) []byte {
	return []byte{PDMM, MsgIdentityRequest, byte(typ) & 0x07}
}

// LocationUpdateRequest renders a normal Location Updating Request. The
// radio simulator uses it to open connections.
func LocationUpdateRequest(cksn uint8, lai LAI, id Identity) ([]byte, error) {
	v, err := id.Encode()
	if err != nil {
		return nil, err
	}
	out := []byte{PDMM, MsgLocUpdRequest, (cksn & 0x07) << 4}
	out = append(out, lai.Encode()...)
	out = append(out, 0x33) // classmark 1: R99, A5/1
	out = append(out, byte(len(v)))
	return append(out, v...), nil
}

// CMServiceRequest renders a CM Service Request for mobile-originated
// calls (service type 1).
func CMServiceRequest(cksn uint8, id Identity) ([]byte, error) {
	v, err := id.Encode()
	if err != nil {
		return nil, err
	}
	out := []byte{PDMM, MsgCMServiceRequest, (cksn&0x07)<<4 | 0x01}
	out = append(out, 3, 0x33, 0x19, 0xa2) // classmark 2
	out = append(out, byte(len(v)))
	return append(out, v...), nil
}

// PagingResponse renders an RR Paging Response. The key sequence sits in
// the low nibble, unlike the MM requests.
func PagingResponse(cksn uint8, id Identity) ([]byte, error) {
	v, err := id.Encode()
	if err != nil {
		return nil, err
	}
	out := []byte{PDRR, MsgRRPagingResponse, cksn & 0x07}
	out = append(out, 3, 0x33, 0x19, 0xa2)
	out = append(out, byte(len(v)))
	return append(out, v...), nil
}
