package database

import (
	"reflect"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var decimalType = reflect.TypeOf(decimal.Decimal{})

// sqliteDialector stores decimal columns as text. SQLite gives a declared
// decimal column NUMERIC affinity, which converts values to REAL and loses
// digits beyond float64 precision.
type sqliteDialector struct {
	*sqlite.Dialector
}

// SQLite returns the sqlite dialector used by the service and its tests
func SQLite(dsn string) gorm.Dialector {
	return sqliteDialector{&sqlite.Dialector{DSN: dsn}}
}

func (d sqliteDialector) DataTypeOf(field *schema.Field) string {
	if field.IndirectFieldType == decimalType {
		return "text"
	}
	return d.Dialector.DataTypeOf(field)
}

// Migrator routes column type resolution back through DataTypeOf above
func (d sqliteDialector) Migrator(db *gorm.DB) gorm.Migrator {
	m := d.Dialector.Migrator(db)
	if sm, ok := m.(sqlite.Migrator); ok {
		sm.Dialector = d
		return sm
	}
	return m
}
