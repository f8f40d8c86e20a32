package logging

import (
	"go.uber.org/zap"
)

// Field keys shared by every component, so log queries can join on them.
const (
	FieldCurrency = "currency"
	FieldIdentity = "identity"
	FieldStage    = "stage"
	FieldAttempts = "attempts"
)

// Currency tags an entry with a currency name.
func Currency(name string) zap.Field {
	return zap.String(FieldCurrency, name)
}

// Identity tags an entry with an account identity.
func Identity(id string) zap.Field {
	return zap.String(FieldIdentity, id)
}

// Stage tags an entry with the write stage (persist, publish, ledger...).
func Stage(stage string) zap.Field {
	return zap.String(FieldStage, stage)
}

// Desync logs a write that will not reach the backend or the bus. An empty
// currency is omitted, for loggers that already carry one; attempts <= 0 is
// omitted for writes that never ran.
func (l *Logger) Desync(reason, currency, identity, stage string, attempts int, err error) {
	fields := make([]zap.Field, 0, 5)
	if currency != "" {
		fields = append(fields, Currency(currency))
	}
	fields = append(fields, Identity(identity), Stage(stage))
	if attempts > 0 {
		fields = append(fields, zap.Int(FieldAttempts, attempts))
	}
	fields = append(fields, zap.Error(err))
	l.Warn("desynchronized: "+reason, fields...)
}
