package backend

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/relabs-tech/scaup/core/csql"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/metrics"
)

// conflict describes a unique location constraint whose conflicting rows give way to the
// row being written
type conflict struct {
	table string
	// key are the columns of the constraint, in constraint order
	key []string
	// clear are the columns set to NULL in the conflicting rows
	clear []string
}

var conflicts = map[string]conflict{
	"sample_unique_sublocation": {table: "sample", key: []string{"sub_location", "shipment_id"}, clear: []string{"sub_location"}},
	"sample_unique_location":    {table: "sample", key: []string{"location", "container_id"}, clear: []string{"location", "container_id"}},
	"container_unique_location": {table: "container", key: []string{"location", "parent_id"}, clear: []string{"location", "parent_id"}},
}

// retryIfExists runs fn in a transaction. If fn violates one of the unique location
// constraints, the location of the conflicting rows is cleared and fn runs once more, in
// the same transaction as the clearing. Other unique violations answer 409, foreign key
// violations 404.
func (b *Backend) retryIfExists(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := b.db.WithTx(ctx, fn)
	if err == nil {
		return nil
	}
	violation, ok := csql.AsViolation(err)
	if !ok {
		return err
	}
	if violation.Kind == csql.ForeignKeyViolation {
		return violationError(violation)
	}

	c, ok := conflicts[violation.Constraint]
	if !ok || !sameColumns(c.key, violation.Columns) || len(violation.Values) != len(c.key) {
		return violationError(violation)
	}

	logger.FromContext(ctx).Infof("clearing %s of %s rows with (%s)=(%s) after conflict",
		strings.Join(c.clear, ", "), c.table, strings.Join(violation.Columns, ", "), strings.Join(violation.Values, ", "))
	metrics.ConflictRetries.WithLabelValues(violation.Constraint).Inc()

	err = b.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, clearQuery(b.db.Table(c.table), c), toArgs(violation.Values)...); err != nil {
			return err
		}
		return fn(tx)
	})
	if err == nil {
		return nil
	}
	if violation, ok := csql.AsViolation(err); ok {
		return violationError(violation)
	}
	return err
}

// violationError maps a violation which cannot be resolved to the error answered to the client
func violationError(v *csql.Violation) error {
	if v.Kind == csql.ForeignKeyViolation {
		names := make([]string, len(v.Columns))
		for i, column := range v.Columns {
			names[i] = camelCase(column)
		}
		return errorf(http.StatusNotFound, "Invalid %s provided", strings.Join(names, ", "))
	}
	return newError(http.StatusConflict, "Name already in use inside shipment")
}

func clearQuery(table string, c conflict) string {
	set := make([]string, len(c.clear))
	for i, column := range c.clear {
		set[i] = column + " = NULL"
	}
	where := make([]string, len(c.key))
	for i, column := range c.key {
		where[i] = fmt.Sprintf("%s = $%d", column, i+1)
	}
	return "UPDATE " + table + " SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ") + ";"
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// camelCase turns a column name into the property name, e.g. container_id into containerId
func camelCase(column string) string {
	parts := strings.Split(column, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
