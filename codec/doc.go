/*Package codec encodes and decodes the payloads of the provisioning
protocol.

The provisioning service speaks two wire formats, JSON and CBOR, selected
per deployment and reflected in the topic names. Both formats carry the
same logical documents, so the package exposes one Codec interface with two
interchangeable implementations. Callers pick a format once with New and
never mix formats within a session.

Decoding is all-or-nothing: the first missing, mistyped or oversized field
aborts the call with a FieldError naming the field, and no partial result
is returned. Size limits are a deployment contract, not a suggestion; the
codec never truncates.
*/
package codec
