// Package repository implements booking persistence: a MySQL store used in
// deployments and an in-memory store for local runs and tests.  Both
// satisfy service.Store and outbox.Store and report failures with the
// model error values, so higher layers never see driver errors directly.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateKey is ER_DUP_ENTRY.
const mysqlDuplicateKey = 1062

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateKey
}
