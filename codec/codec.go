package codec

import (
	"fmt"
)

// Format selects the wire encoding. The value doubles as the format
// segment of the provisioning topic names.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// Field names of the CreateKeysAndCertificate and RegisterThing documents.
const (
	keyCertificatePem            = "certificatePem"
	keyCertificateID             = "certificateId"
	keyCertificateOwnershipToken = "certificateOwnershipToken"
	keyPrivateKey                = "privateKey"
	keyThingName                 = "thingName"
	keyParameters                = "parameters"
	keySerialNumber              = "SerialNumber"
	keyErrorCode                 = "code"
	keyErrorMessage              = "message"
	keyErrorTimestamp            = "timestamp"
	keyClientToken               = "clientToken"
)

// minCertificateIDLimit is the smallest certificate ID capacity the codec
// accepts. Certificate IDs are 64 hex characters.
const minCertificateIDLimit = 64

// Identity is the identity material issued by the provisioning service.
// The first four fields come from the CreateKeysAndCertificate response,
// the thing name from the RegisterThing response.
type Identity struct {
	CertificatePEM string
	CertificateID  string
	OwnershipToken string
	PrivateKey     string
	ThingName      string
}

// ErrorDocument is the body published on the rejected topics.
type ErrorDocument struct {
	Code        int
	Message     string
	Timestamp   int64
	ClientToken string
}

// Limits bound the size of each decoded field. Oversized values are decode
// errors, never truncated.
type Limits struct {
	Certificate    int
	CertificateID  int
	OwnershipToken int
	PrivateKey     int
	ThingName      int
}

// DefaultLimits mirrors the buffer sizes the provisioning service
// documents for each field.
func DefaultLimits() Limits {
	return Limits{
		Certificate:    2048,
		CertificateID:  64,
		OwnershipToken: 512,
		PrivateKey:     2048,
		ThingName:      128,
	}
}

// Codec encodes requests and decodes responses of the provisioning
// protocol in one wire format.
type Codec interface {
	Format() Format

	// EncodeRegisterRequest produces the RegisterThing request body: the
	// ownership token plus a one-entry parameters map holding the serial
	// number. The encoded document must not exceed limit bytes.
	EncodeRegisterRequest(ownershipToken, serialNumber string, limit int) ([]byte, error)

	// DecodeCreateKeysResponse extracts the four identity fields from a
	// CreateKeysAndCertificate accepted response.
	DecodeCreateKeysResponse(payload []byte, limits Limits) (*Identity, error)

	// DecodeRegisterResponse extracts the assigned thing name from a
	// RegisterThing accepted response.
	DecodeRegisterResponse(payload []byte, limits Limits) (string, error)

	// DecodeErrorDocument extracts the error document published on a
	// rejected topic. Only the code field is mandatory.
	DecodeErrorDocument(payload []byte) (*ErrorDocument, error)
}

// New returns the codec for the given format.
func New(f Format) (Codec, error) {
	switch f {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatCBOR:
		return cborCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown format %q", f)
	}
}

// FieldError reports the first field that failed during a decode. Decoding
// stops at the first failure so the cause is unambiguous.
type FieldError struct {
	Op     string
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("codec: %s: field %q %s", e.Op, e.Field, e.Reason)
}

// EncodeError reports a request that does not fit its size limit. Limits
// are a deployment contract, so this indicates misconfiguration.
type EncodeError struct {
	Op    string
	Size  int
	Limit int
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: %s: encoded size %d exceeds limit %d", e.Op, e.Size, e.Limit)
}

// decodeOp names used in errors.
const (
	opCreateKeys = "CreateKeysAndCertificate response"
	opRegister   = "RegisterThing response"
	opErrorDoc   = "error document"
	opEncodeReg  = "RegisterThing request"
)

func textField(op string, m map[string]any, key string, limit int) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", &FieldError{Op: op, Field: key, Reason: "not found"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &FieldError{Op: op, Field: key, Reason: "is not a text string"}
	}
	if limit > 0 && len(s) > limit {
		return "", &FieldError{Op: op, Field: key, Reason: fmt.Sprintf("exceeds the %d byte limit (%d bytes)", limit, len(s))}
	}
	return s, nil
}

func optionalTextField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func numberField(op string, m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok {
		return 0, &FieldError{Op: op, Field: key, Reason: "not found"}
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, &FieldError{Op: op, Field: key, Reason: "is not a number"}
	}
}

func optionalNumberField(m map[string]any, key string) int64 {
	n, err := numberField("", m, key)
	if err != nil {
		return 0
	}
	return n
}

// decodeIdentity performs the format-independent part of
// DecodeCreateKeysResponse on an already-unmarshalled document. Extraction
// stops at the first failing field.
func decodeIdentity(m map[string]any, limits Limits) (*Identity, error) {
	if limits.CertificateID < minCertificateIDLimit {
		return nil, fmt.Errorf("codec: certificate ID limit %d is below the required minimum of %d", limits.CertificateID, minCertificateIDLimit)
	}

	certificate, err := textField(opCreateKeys, m, keyCertificatePem, limits.Certificate)
	if err != nil {
		return nil, err
	}
	certificateID, err := textField(opCreateKeys, m, keyCertificateID, limits.CertificateID)
	if err != nil {
		return nil, err
	}
	token, err := textField(opCreateKeys, m, keyCertificateOwnershipToken, limits.OwnershipToken)
	if err != nil {
		return nil, err
	}
	privateKey, err := textField(opCreateKeys, m, keyPrivateKey, limits.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &Identity{
		CertificatePEM: certificate,
		CertificateID:  certificateID,
		OwnershipToken: token,
		PrivateKey:     privateKey,
	}, nil
}

func decodeThingName(m map[string]any, limits Limits) (string, error) {
	return textField(opRegister, m, keyThingName, limits.ThingName)
}

func decodeErrorDocument(m map[string]any) (*ErrorDocument, error) {
	code, err := numberField(opErrorDoc, m, keyErrorCode)
	if err != nil {
		return nil, err
	}
	return &ErrorDocument{
		Code:        int(code),
		Message:     optionalTextField(m, keyErrorMessage),
		Timestamp:   optionalNumberField(m, keyErrorTimestamp),
		ClientToken: optionalTextField(m, keyClientToken),
	}, nil
}

func registerRequestDocument(ownershipToken, serialNumber string) map[string]any {
	return map[string]any{
		keyCertificateOwnershipToken: ownershipToken,
		keyParameters: map[string]string{
			keySerialNumber: serialNumber,
		},
	}
}
