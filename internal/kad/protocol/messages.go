package protocol

import (
	"encoding/binary"
)

// Ping / PingReply carry a sender-chosen nonce, echoed back unchanged.
type Ping struct {
	Header Header
	Nonce  uint32
}

func EncodePing(dst, src [IDLength]byte, nonce uint32) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, nonce)
	return finish(TypePing, dst, src, body)
}

func EncodePingReply(dst, src [IDLength]byte, nonce uint32) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, nonce)
	return finish(TypePingReply, dst, src, body)
}

func DecodePing(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(body[:4]), nil
}

// FindNode requests the K closest contacts to TargetID.
type FindNode struct {
	Nonce    uint32
	Domain   Domain
	TargetID [IDLength]byte
}

func EncodeFindNode(dst, src [IDLength]byte, nonce uint32, domain Domain, target [IDLength]byte) []byte {
	body := make([]byte, 0, 4+2+IDLength)
	body = appendU32(body, nonce)
	body = appendU16(body, uint16(domain))
	body = append(body, target[:]...)
	return finish(TypeFindNode, dst, src, body)
}

func DecodeFindNode(body []byte) (FindNode, error) {
	if len(body) < 4+2+IDLength {
		return FindNode{}, ErrTruncated
	}
	var f FindNode
	f.Nonce = binary.BigEndian.Uint32(body[0:4])
	f.Domain = Domain(binary.BigEndian.Uint16(body[4:6]))
	copy(f.TargetID[:], body[6:6+IDLength])
	return f, nil
}

// FindNodeReply carries the echoed nonce/target and a list of contacts.
type FindNodeReply struct {
	Nonce    uint32
	Domain   Domain
	TargetID [IDLength]byte
	Contacts []ContactRecord
}

func EncodeFindNodeReply(dst, src [IDLength]byte, nonce uint32, domain Domain, target [IDLength]byte, contacts []ContactRecord) ([]byte, error) {
	if len(contacts) > 255 {
		contacts = contacts[:255]
	}
	body := make([]byte, 0, 4+2+1+IDLength+len(contacts)*32)
	body = appendU32(body, nonce)
	body = appendU16(body, uint16(domain))
	body = append(body, byte(len(contacts)))
	body = append(body, target[:]...)

	var err error
	for _, c := range contacts {
		body, err = EncodeContact(body, c, domain)
		if err != nil {
			return nil, err
		}
	}

	return finish(TypeFindNodeReply, dst, src, body), nil
}

func DecodeFindNodeReply(body []byte) (FindNodeReply, error) {
	if len(body) < 4+2+1+IDLength {
		return FindNodeReply{}, ErrTruncated
	}

	var r FindNodeReply
	r.Nonce = binary.BigEndian.Uint32(body[0:4])
	r.Domain = Domain(binary.BigEndian.Uint16(body[4:6]))
	num := int(body[6])
	copy(r.TargetID[:], body[7:7+IDLength])

	rest := body[7+IDLength:]
	r.Contacts = make([]ContactRecord, 0, num)

	for i := 0; i < num; i++ {
		var c ContactRecord
		var err error
		c, rest, err = DecodeContact(rest, r.Domain)
		if err != nil {
			return FindNodeReply{}, err
		}
		r.Contacts = append(r.Contacts, c)
	}

	return r, nil
}

// FindValue requests a value for (TargetID, Key); TargetID is used as
// the distance anchor when the value is absent and a node list is
// returned instead.
type FindValue struct {
	Nonce    uint32
	Domain   Domain
	TargetID [IDLength]byte
	Key      []byte
}

func EncodeFindValue(dst, src [IDLength]byte, nonce uint32, domain Domain, target [IDLength]byte, key []byte) []byte {
	body := make([]byte, 0, 4+2+2+IDLength+len(key))
	body = appendU32(body, nonce)
	body = appendU16(body, uint16(domain))
	body = appendU16(body, uint16(len(key)))
	body = append(body, target[:]...)
	body = append(body, key...)
	return finish(TypeFindValue, dst, src, body)
}

func DecodeFindValue(body []byte) (FindValue, error) {
	if len(body) < 4+2+2+IDLength {
		return FindValue{}, ErrTruncated
	}
	var f FindValue
	f.Nonce = binary.BigEndian.Uint32(body[0:4])
	f.Domain = Domain(binary.BigEndian.Uint16(body[4:6]))
	keylen := int(binary.BigEndian.Uint16(body[6:8]))
	copy(f.TargetID[:], body[8:8+IDLength])

	rest := body[8+IDLength:]
	if len(rest) < keylen {
		return FindValue{}, ErrTruncated
	}
	f.Key = append([]byte(nil), rest[:keylen]...)

	return f, nil
}

// FindValueReply: Flag==1 means Value is populated; Flag==0 means
// Contacts is populated (same shape as FindNodeReply's trailer).
type FindValueReply struct {
	Nonce    uint32
	Flag     uint8
	TargetID [IDLength]byte
	Value    []byte
	Domain   Domain
	Contacts []ContactRecord
}

func EncodeFindValueReplyFound(dst, src [IDLength]byte, nonce uint32, target [IDLength]byte, value []byte) []byte {
	body := make([]byte, 0, 4+1+IDLength+2+len(value))
	body = appendU32(body, nonce)
	body = append(body, 1)
	body = append(body, target[:]...)
	body = appendU16(body, uint16(len(value)))
	body = append(body, value...)
	return finish(TypeFindValueReply, dst, src, body)
}

func EncodeFindValueReplyNodes(dst, src [IDLength]byte, nonce uint32, target [IDLength]byte, domain Domain, contacts []ContactRecord) ([]byte, error) {
	if len(contacts) > 255 {
		contacts = contacts[:255]
	}
	body := make([]byte, 0, 4+1+IDLength+2+1+len(contacts)*32)
	body = appendU32(body, nonce)
	body = append(body, 0)
	body = append(body, target[:]...)
	body = appendU16(body, uint16(domain))
	body = append(body, byte(len(contacts)))

	var err error
	for _, c := range contacts {
		body, err = EncodeContact(body, c, domain)
		if err != nil {
			return nil, err
		}
	}

	return finish(TypeFindValueReply, dst, src, body), nil
}

func DecodeFindValueReply(body []byte) (FindValueReply, error) {
	if len(body) < 4+1+IDLength {
		return FindValueReply{}, ErrTruncated
	}

	var r FindValueReply
	r.Nonce = binary.BigEndian.Uint32(body[0:4])
	r.Flag = body[4]
	copy(r.TargetID[:], body[5:5+IDLength])

	rest := body[5+IDLength:]

	if r.Flag == 1 {
		if len(rest) < 2 {
			return FindValueReply{}, ErrTruncated
		}
		vlen := int(binary.BigEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		if len(rest) < vlen {
			return FindValueReply{}, ErrTruncated
		}
		r.Value = append([]byte(nil), rest[:vlen]...)
		return r, nil
	}

	if len(rest) < 3 {
		return FindValueReply{}, ErrTruncated
	}
	r.Domain = Domain(binary.BigEndian.Uint16(rest[0:2]))
	num := int(rest[2])
	rest = rest[3:]

	r.Contacts = make([]ContactRecord, 0, num)
	for i := 0; i < num; i++ {
		var c ContactRecord
		var err error
		c, rest, err = DecodeContact(rest, r.Domain)
		if err != nil {
			return FindValueReply{}, err
		}
		r.Contacts = append(r.Contacts, c)
	}

	return r, nil
}

// Store carries a single key/value replica plus its TTL in seconds.
// (Same trailer shape is reused for ProxyStore.)
type Store struct {
	ID    [IDLength]byte
	Key   []byte
	Value []byte
	TTL   uint16
}

func encodeStoreBody(s Store) []byte {
	body := make([]byte, 0, 2+2+2+IDLength+len(s.Key)+len(s.Value))
	body = appendU16(body, uint16(len(s.Key)))
	body = appendU16(body, uint16(len(s.Value)))
	body = appendU16(body, s.TTL)
	body = append(body, s.ID[:]...)
	body = append(body, s.Key...)
	body = append(body, s.Value...)
	return body
}

func decodeStoreBody(body []byte) (Store, error) {
	if len(body) < 2+2+2+IDLength {
		return Store{}, ErrTruncated
	}

	var s Store
	keylen := int(binary.BigEndian.Uint16(body[0:2]))
	vallen := int(binary.BigEndian.Uint16(body[2:4]))
	s.TTL = binary.BigEndian.Uint16(body[4:6])
	copy(s.ID[:], body[6:6+IDLength])

	rest := body[6+IDLength:]
	if len(rest) < keylen+vallen {
		return Store{}, ErrTruncated
	}

	s.Key = append([]byte(nil), rest[:keylen]...)
	s.Value = append([]byte(nil), rest[keylen:keylen+vallen]...)

	return s, nil
}

func EncodeStore(dst, src [IDLength]byte, s Store) []byte {
	return finish(TypeStore, dst, src, encodeStoreBody(s))
}

func DecodeStore(body []byte) (Store, error) {
	return decodeStoreBody(body)
}

func EncodeProxyStore(dst, src [IDLength]byte, s Store) []byte {
	return finish(TypeProxyStore, dst, src, encodeStoreBody(s))
}

func DecodeProxyStore(body []byte) (Store, error) {
	return decodeStoreBody(body)
}

// ProxyRegister is sent by a NAT-bound client to its chosen server.
type ProxyRegister struct {
	Session uint32
	Nonce   uint32
}

func EncodeProxyRegister(dst, src [IDLength]byte, session, nonce uint32) []byte {
	body := make([]byte, 0, 8)
	body = appendU32(body, session)
	body = appendU32(body, nonce)
	return finish(TypeProxyRegister, dst, src, body)
}

func DecodeProxyRegister(body []byte) (ProxyRegister, error) {
	if len(body) < 8 {
		return ProxyRegister{}, ErrTruncated
	}
	return ProxyRegister{
		Session: binary.BigEndian.Uint32(body[0:4]),
		Nonce:   binary.BigEndian.Uint32(body[4:8]),
	}, nil
}

func EncodeProxyRegisterReply(dst, src [IDLength]byte, nonce uint32) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, nonce)
	return finish(TypeProxyRegisterReply, dst, src, body)
}

func DecodeProxyRegisterReply(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(body[:4]), nil
}

// ProxyGet asks the server to perform a find_value on the client's behalf.
type ProxyGet struct {
	Nonce uint32
	ID    [IDLength]byte
	Key   []byte
}

func EncodeProxyGet(dst, src [IDLength]byte, nonce uint32, id [IDLength]byte, key []byte) []byte {
	body := make([]byte, 0, 4+2+IDLength+len(key))
	body = appendU32(body, nonce)
	body = appendU16(body, uint16(len(key)))
	body = append(body, id[:]...)
	body = append(body, key...)
	return finish(TypeProxyGet, dst, src, body)
}

func DecodeProxyGet(body []byte) (ProxyGet, error) {
	if len(body) < 4+2+IDLength {
		return ProxyGet{}, ErrTruncated
	}
	var g ProxyGet
	g.Nonce = binary.BigEndian.Uint32(body[0:4])
	keylen := int(binary.BigEndian.Uint16(body[4:6]))
	copy(g.ID[:], body[6:6+IDLength])

	rest := body[6+IDLength:]
	if len(rest) < keylen {
		return ProxyGet{}, ErrTruncated
	}
	g.Key = append([]byte(nil), rest[:keylen]...)

	return g, nil
}

// ProxyGetReply: Flag==1 means Data holds the value; Flag==0 means failure.
type ProxyGetReply struct {
	Nonce uint32
	Flag  uint8
	ID    [IDLength]byte
	Data  []byte
}

func EncodeProxyGetReply(dst, src [IDLength]byte, nonce uint32, id [IDLength]byte, flag uint8, data []byte) []byte {
	body := make([]byte, 0, 4+1+IDLength+len(data))
	body = appendU32(body, nonce)
	body = append(body, flag)
	body = append(body, id[:]...)
	body = append(body, data...)
	return finish(TypeProxyGetReply, dst, src, body)
}

func DecodeProxyGetReply(body []byte) (ProxyGetReply, error) {
	if len(body) < 4+1+IDLength {
		return ProxyGetReply{}, ErrTruncated
	}
	var r ProxyGetReply
	r.Nonce = binary.BigEndian.Uint32(body[0:4])
	r.Flag = body[4]
	copy(r.ID[:], body[5:5+IDLength])
	r.Data = append([]byte(nil), body[5+IDLength:]...)
	return r, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

// finish prepends the header once the trailer's length is known, so
// that Header.Length always matches the datagram the receiver sees.
func finish(t Type, dst, src [IDLength]byte, body []byte) []byte {
	h := Header{
		Magic:   Magic,
		Version: Version,
		Type:    t,
		Length:  uint16(HeaderLength + len(body)),
		Dst:     dst,
		Src:     src,
	}
	buf := make([]byte, 0, HeaderLength+len(body))
	buf = EncodeHeader(buf, h)
	buf = append(buf, body...)
	return buf
}
