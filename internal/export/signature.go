package export

import "google.golang.org/protobuf/encoding/protowire"

// TEKSignature はexport.sigに格納される署名1件を表す。
type TEKSignature struct {
	SignatureInfo SignatureInfo
	BatchNum      int32
	BatchSize     int32
	Signature     []byte
}

// TEKSignatureList はexport.sigの内容を表す。
type TEKSignatureList struct {
	Signatures []TEKSignature
}

// Marshal は署名リストをエンコードする。
func (l *TEKSignatureList) Marshal() []byte {
	var b []byte
	for _, s := range l.Signatures {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Marshal())
	}
	return b
}

// Marshal は署名1件をエンコードする。
func (s *TEKSignature) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, s.SignatureInfo.Marshal())
	b = appendInt32(b, 2, s.BatchNum)
	b = appendInt32(b, 3, s.BatchSize)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Signature)
	return b
}

// UnmarshalTEKSignatureList はexport.sigを解析する。
func UnmarshalTEKSignatureList(b []byte) (*TEKSignatureList, error) {
	l := &TEKSignatureList{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}
		raw, _ := protowire.ConsumeBytes(v)
		s, err := unmarshalTEKSignature(raw)
		if err != nil {
			return err
		}
		l.Signatures = append(l.Signatures, *s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func unmarshalTEKSignature(b []byte) (*TEKSignature, error) {
	s := &TEKSignature{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, _ := protowire.ConsumeBytes(v)
			info, err := UnmarshalSignatureInfo(raw)
			if err != nil {
				return err
			}
			s.SignatureInfo = *info
		case num == 2 && typ == protowire.VarintType:
			n, _ := protowire.ConsumeVarint(v)
			s.BatchNum = int32(n)
		case num == 3 && typ == protowire.VarintType:
			n, _ := protowire.ConsumeVarint(v)
			s.BatchSize = int32(n)
		case num == 4 && typ == protowire.BytesType:
			raw, _ := protowire.ConsumeBytes(v)
			s.Signature = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SignedPayload は証明書チェーン・署名・元のペイロードをまとめた封筒を表す。
type SignedPayload struct {
	CertificateChain []byte
	Signature        []byte
	Payload          []byte
}

// Marshal は封筒をエンコードする。
func (p *SignedPayload) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, p.CertificateChain)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Signature)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Payload)
	return b
}

// UnmarshalSignedPayload は封筒を解析する。
func UnmarshalSignedPayload(b []byte) (*SignedPayload, error) {
	p := &SignedPayload{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		raw, _ := protowire.ConsumeBytes(v)
		switch num {
		case 1:
			p.CertificateChain = append([]byte(nil), raw...)
		case 2:
			p.Signature = append([]byte(nil), raw...)
		case 3:
			p.Payload = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
