package csql

import (
	"errors"
	"regexp"
	"strings"

	"github.com/lib/pq"
)

// ViolationKind tells unique and foreign key violations apart
type ViolationKind string

const (
	// UniqueViolation is postgres error 23505
	UniqueViolation ViolationKind = "unique"
	// ForeignKeyViolation is postgres error 23503
	ForeignKeyViolation ViolationKind = "foreign_key"
)

// Violation describes a constraint violation reported by postgres
type Violation struct {
	Kind       ViolationKind
	Constraint string
	Table      string
	// Columns and Values are parsed from the error detail, e.g.
	// `Key (location, container_id)=(1, 2) already exists.`
	Columns []string
	Values  []string
}

var violationDetail = regexp.MustCompile(`\((.*)\)=\((.*)\)`)

// AsViolation returns the constraint violation carried by err, if any
func AsViolation(err error) (*Violation, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil, false
	}
	v := &Violation{Constraint: pqErr.Constraint, Table: pqErr.Table}
	switch pqErr.Code {
	case "23505":
		v.Kind = UniqueViolation
	case "23503":
		v.Kind = ForeignKeyViolation
	default:
		return nil, false
	}
	v.Columns, v.Values = ParseDetail(pqErr.Detail)
	return v, true
}

// ParseDetail extracts the column names and values from a postgres key detail message.
// Quotes around identifiers are removed.
func ParseDetail(detail string) (columns []string, values []string) {
	m := violationDetail.FindStringSubmatch(detail)
	if m == nil {
		return nil, nil
	}
	columns = strings.Split(strings.ReplaceAll(m[1], `"`, ""), ", ")
	values = strings.Split(m[2], ", ")
	if len(columns) != len(values) {
		return columns, nil
	}
	return columns, values
}
