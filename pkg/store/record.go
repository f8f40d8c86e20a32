package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Transaction records are semicolon-joined:
//
//	sender;timestamp;receiver;amount;currency;reason[;revertedWithId]
//
// The optional seventh field is present only once the transaction was reverted.
const (
	RecordSeparator = ";"
	RecordFields    = 6
)

// RevertRef returns the revert reference stored in record, if any.
func RevertRef(record string) (int64, bool, error) {
	fields := strings.Split(record, RecordSeparator)
	switch len(fields) {
	case RecordFields:
		return 0, false, nil
	case RecordFields + 1:
		id, err := strconv.ParseInt(fields[RecordFields], 10, 64)
		if err != nil || id < 0 {
			return 0, false, fmt.Errorf("%w: revert reference %q", ErrInvalidRecord, fields[RecordFields])
		}
		return id, true, nil
	default:
		return 0, false, fmt.Errorf("%w: %d fields", ErrInvalidRecord, len(fields))
	}
}

// WithRevertRef returns record with its revert reference set to id.
func WithRevertRef(record string, id int64) (string, error) {
	if _, reverted, err := RevertRef(record); err != nil {
		return "", err
	} else if reverted {
		return "", fmt.Errorf("%w: already reverted", ErrInvalidRecord)
	}
	return record + RecordSeparator + strconv.FormatInt(id, 10), nil
}
