package lib

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

/*
	Wire types of the node are hand encoded with protowire: field order is fixed by the Marshal methods and
	decoding walks the fields with ForEachField, skipping unknown field numbers for forward compatibility.
*/

// ForEachField() walks a protowire encoded message and calls fn with the raw value of each field
func ForEachField(bz []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) ErrorI) ErrorI {
	for len(bz) > 0 {
		num, typ, n := protowire.ConsumeTag(bz)
		if n < 0 {
			return ErrUnmarshal(protowire.ParseError(n))
		}
		bz = bz[n:]
		m := protowire.ConsumeFieldValue(num, typ, bz)
		if m < 0 {
			return ErrUnmarshal(protowire.ParseError(m))
		}
		if err := fn(num, typ, bz[:m]); err != nil {
			return err
		}
		bz = bz[m:]
	}
	return nil
}

// FieldBytes() decodes a length delimited field value into a fresh slice
func FieldBytes(typ protowire.Type, value []byte) ([]byte, ErrorI) {
	if typ != protowire.BytesType {
		return nil, ErrUnmarshal(errors.New("expected length delimited field"))
	}
	v, n := protowire.ConsumeBytes(value)
	if n < 0 {
		return nil, ErrUnmarshal(protowire.ParseError(n))
	}
	return append([]byte(nil), v...), nil
}

// FieldUint64() decodes a varint field value
func FieldUint64(typ protowire.Type, value []byte) (uint64, ErrorI) {
	if typ != protowire.VarintType {
		return 0, ErrUnmarshal(errors.New("expected varint field"))
	}
	v, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return 0, ErrUnmarshal(protowire.ParseError(n))
	}
	return v, nil
}

// AppendBytesField() appends a length delimited field, omitted when empty
func AppendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendUint64Field() appends a varint field, omitted when zero
func AppendUint64Field(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
