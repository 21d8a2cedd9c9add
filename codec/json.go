package codec

import (
	"fmt"

	"github.com/goccy/go-json"
)

type jsonCodec struct{}

func (jsonCodec) Format() Format { return FormatJSON }

func (jsonCodec) EncodeRegisterRequest(ownershipToken, serialNumber string, limit int) ([]byte, error) {
	payload, err := json.Marshal(registerRequestDocument(ownershipToken, serialNumber))
	if err != nil {
		return nil, fmt.Errorf("codec: %s: %w", opEncodeReg, err)
	}
	if limit > 0 && len(payload) > limit {
		return nil, &EncodeError{Op: opEncodeReg, Size: len(payload), Limit: limit}
	}
	return payload, nil
}

func (jsonCodec) DecodeCreateKeysResponse(payload []byte, limits Limits) (*Identity, error) {
	m, err := jsonDocument(opCreateKeys, payload)
	if err != nil {
		return nil, err
	}
	return decodeIdentity(m, limits)
}

func (jsonCodec) DecodeRegisterResponse(payload []byte, limits Limits) (string, error) {
	m, err := jsonDocument(opRegister, payload)
	if err != nil {
		return "", err
	}
	return decodeThingName(m, limits)
}

func (jsonCodec) DecodeErrorDocument(payload []byte) (*ErrorDocument, error) {
	m, err := jsonDocument(opErrorDoc, payload)
	if err != nil {
		return nil, err
	}
	return decodeErrorDocument(m)
}

func jsonDocument(op string, payload []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("codec: %s is not a valid JSON map: %w", op, err)
	}
	return m, nil
}
