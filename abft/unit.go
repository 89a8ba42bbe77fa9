package abft

import (
	"io"

	"github.com/canopy-network/finality/lib"
	"google.golang.org/protobuf/encoding/protowire"
)

type unitKind uint64

const (
	unitItem    unitKind = iota + 1 // an ordered proposal
	unitRequest                     // asks the leader for the items from Seq on
)

// unit is the message exchanged by the sequencer, and the record it keeps in the backup
type unit struct {
	Kind     unitKind
	Seq      uint64
	Proposal *lib.Proposal
}

func (u *unit) marshal() []byte {
	var bz []byte
	bz = lib.AppendUint64Field(bz, 1, uint64(u.Kind))
	bz = lib.AppendUint64Field(bz, 2, u.Seq)
	if u.Proposal != nil {
		bz = lib.AppendBytesField(bz, 3, u.Proposal.Marshal())
	}
	return bz
}

func (u *unit) unmarshal(bz []byte) lib.ErrorI {
	*u = unit{}
	err := lib.ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) (err lib.ErrorI) {
		switch num {
		case 1:
			var kind uint64
			kind, err = lib.FieldUint64(typ, value)
			u.Kind = unitKind(kind)
		case 2:
			u.Seq, err = lib.FieldUint64(typ, value)
		case 3:
			var proposal []byte
			if proposal, err = lib.FieldBytes(typ, value); err != nil {
				return
			}
			u.Proposal = new(lib.Proposal)
			err = u.Proposal.Unmarshal(proposal)
		}
		return
	})
	if err != nil {
		return err
	}
	switch u.Kind {
	case unitItem:
		if u.Seq == 0 || u.Proposal == nil {
			return ErrMalformedUnit("item without sequence or proposal")
		}
	case unitRequest:
		if u.Seq == 0 {
			return ErrMalformedUnit("request without sequence")
		}
	default:
		return ErrMalformedUnit("unknown kind")
	}
	return nil
}

// writeRecord() appends the unit to the backup as a single length prefixed write
func writeRecord(w io.Writer, u *unit) lib.ErrorI {
	if _, err := w.Write(protowire.AppendBytes(nil, u.marshal())); err != nil {
		return ErrBackupWrite(err)
	}
	return nil
}

// readRecords() decodes every record of the backup, oldest first
func readRecords(r io.Reader) ([]*unit, lib.ErrorI) {
	if r == nil {
		return nil, nil
	}
	bz, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrCorruptRecord(err.Error())
	}
	var units []*unit
	for len(bz) > 0 {
		record, n := protowire.ConsumeBytes(bz)
		if n < 0 {
			return nil, ErrCorruptRecord(protowire.ParseError(n).Error())
		}
		u := new(unit)
		if e := u.unmarshal(record); e != nil {
			return nil, ErrCorruptRecord(e.Error())
		}
		units = append(units, u)
		bz = bz[n:]
	}
	return units, nil
}
