package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type cborCodec struct{}

func (cborCodec) Format() Format { return FormatCBOR }

func (cborCodec) EncodeRegisterRequest(ownershipToken, serialNumber string, limit int) ([]byte, error) {
	payload, err := cbor.Marshal(registerRequestDocument(ownershipToken, serialNumber))
	if err != nil {
		return nil, fmt.Errorf("codec: %s: %w", opEncodeReg, err)
	}
	if limit > 0 && len(payload) > limit {
		return nil, &EncodeError{Op: opEncodeReg, Size: len(payload), Limit: limit}
	}
	return payload, nil
}

func (cborCodec) DecodeCreateKeysResponse(payload []byte, limits Limits) (*Identity, error) {
	m, err := cborDocument(opCreateKeys, payload)
	if err != nil {
		return nil, err
	}
	return decodeIdentity(m, limits)
}

func (cborCodec) DecodeRegisterResponse(payload []byte, limits Limits) (string, error) {
	m, err := cborDocument(opRegister, payload)
	if err != nil {
		return "", err
	}
	return decodeThingName(m, limits)
}

func (cborCodec) DecodeErrorDocument(payload []byte) (*ErrorDocument, error) {
	m, err := cborDocument(opErrorDoc, payload)
	if err != nil {
		return nil, err
	}
	return decodeErrorDocument(m)
}

func cborDocument(op string, payload []byte) (map[string]any, error) {
	var m map[string]any
	if err := cbor.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("codec: %s is not a valid CBOR map: %w", op, err)
	}
	return m, nil
}
