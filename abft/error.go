package abft

import (
	"fmt"

	"github.com/canopy-network/finality/lib"
)

func ErrMalformedUnit(reason string) lib.ErrorI {
	return lib.NewError(lib.CodeMalformedUnit, lib.ABFTModule, fmt.Sprintf("malformed unit: %s", reason))
}

func ErrCorruptRecord(reason string) lib.ErrorI {
	return lib.NewError(lib.CodeCorruptRecord, lib.ABFTModule, fmt.Sprintf("corrupt backup record: %s", reason))
}

func ErrBackupWrite(err error) lib.ErrorI {
	return lib.NewError(lib.CodeBackupWrite, lib.ABFTModule, fmt.Sprintf("backup write failed with err: %s", err.Error()))
}

func ErrEmptySessionInfo(field string) lib.ErrorI {
	return lib.NewError(lib.CodeEmptySessionInfo, lib.ABFTModule, fmt.Sprintf("session is missing its %s", field))
}
