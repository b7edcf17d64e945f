package sqlite

import (
	"errors"

	sqlitedriver "modernc.org/sqlite"
)

// SQLite primary and extended result codes used for error classification. The extended code carries the primary code
// in its low byte.
const (
	codeBusy                = 5
	codeLocked              = 6
	codeConstraint          = 19
	codeConstraintForeign   = 787  // SQLITE_CONSTRAINT_FOREIGNKEY
	codeConstraintPrimary   = 1555 // SQLITE_CONSTRAINT_PRIMARYKEY
	codeConstraintUnique    = 2067 // SQLITE_CONSTRAINT_UNIQUE
	codeConstraintRowUnique = codeConstraintPrimary
)

func resultCode(err error) (int, bool) {
	e, ok := errors.AsType[*sqlitedriver.Error](err)
	if !ok {
		return 0, false
	}
	return e.Code(), true
}

// IsUniqueViolation reports whether err represents a unique or primary key constraint violation.
func IsUniqueViolation(err error) bool {
	code, ok := resultCode(err)
	if !ok {
		return false
	}
	return code == codeConstraintUnique || code == codeConstraintRowUnique
}

// IsForeignKeyViolation reports whether err represents a foreign key constraint violation.
func IsForeignKeyViolation(err error) bool {
	code, ok := resultCode(err)
	return ok && code == codeConstraintForeign
}

// IsConstraintViolation reports whether err represents any constraint violation.
func IsConstraintViolation(err error) bool {
	code, ok := resultCode(err)
	return ok && code&0xff == codeConstraint
}

// IsBusy reports whether err represents a BUSY or LOCKED result, meaning the operation may succeed if retried.
func IsBusy(err error) bool {
	code, ok := resultCode(err)
	if !ok {
		return false
	}
	primary := code & 0xff
	return primary == codeBusy || primary == codeLocked
}
