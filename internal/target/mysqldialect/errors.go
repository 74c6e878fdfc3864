package mysqldialect

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// Transient MySQL error numbers: deadlock, lock wait timeout, and
// connection-loss codes that are worth retrying rather than failing
// the whole target, per spec.md §7's transient-error classification.
var transientErrorCodes = map[uint16]bool{
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
	2006: true, // CR_SERVER_GONE_ERROR
	2013: true, // CR_SERVER_LOST
}

// IsTransient reports whether err represents a transient MySQL failure
// that the engine should retry with backoff, as opposed to a data
// error that should be recorded and skipped or halted.
func IsTransient(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return transientErrorCodes[mysqlErr.Number]
	}
	return errors.Is(err, mysql.ErrInvalidConn)
}
