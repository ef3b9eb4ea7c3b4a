/*Package registry provides a persistent key/value registry in postgres

Values are serialized as JSON together with the time they were written. The service
uses the registry to remember answers of upstream services that change rarely, such
as the session id behind a proposal visit.
*/
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/scaup/core/csql"
)

// New creates a new registry for the specified database and creates its table
func New(db *csql.DB) *Registry {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Table(`"_registry_"`) + `
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		panic(err)
	}
	return &Registry{db: db}
}

// Registry provides a persistent registry of objects in a sql database
type Registry struct {
	db *csql.DB
}

// Accessor is a view on the registry where every key gets a prefix
type Accessor struct {
	Prefix   string
	Registry *Registry
}

// Accessor returns a registry accessor with prefix
func (r *Registry) Accessor(prefix string) Accessor {
	return Accessor{Prefix: prefix, Registry: r}
}

func (a Accessor) key(key string) string {
	if len(a.Prefix) > 0 {
		return a.Prefix + ":" + key
	}
	return key
}

// Read reads a value from the registry. It returns the time when the value was
// written, or a zero time if there is no value.
func (a Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	var (
		raw       json.RawMessage
		timestamp time.Time
	)
	key = a.key(key)
	err := a.Registry.db.QueryRowContext(ctx,
		`SELECT value, timestamp FROM `+a.Registry.db.Table(`"_registry_"`)+` WHERE key=$1;`,
		key).Scan(&raw, &timestamp)
	if err == csql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	return timestamp, json.Unmarshal(raw, value)
}

// ReadFresh reads a value only if it was written less than maxAge ago. It reports
// whether value was filled.
func (a Accessor) ReadFresh(ctx context.Context, key string, maxAge time.Duration, value interface{}) (bool, error) {
	var raw json.RawMessage
	timestamp, err := a.Read(ctx, key, &raw)
	if err != nil || timestamp.IsZero() {
		return false, err
	}
	if time.Now().UTC().Sub(timestamp) > maxAge {
		return false, nil
	}
	return true, json.Unmarshal(raw, value)
}

// Write writes a value into the registry
func (a Accessor) Write(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key = a.key(key)
	res, err := a.Registry.db.ExecContext(ctx,
		`INSERT INTO `+a.Registry.db.Table(`"_registry_"`)+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
		key, string(body), time.Now().UTC())
	if err != nil {
		return err
	}
	if count, err := res.RowsAffected(); err != nil || count == 0 {
		return fmt.Errorf("could not write key %s", key)
	}
	return nil
}

// Delete deletes a value from the registry
func (a Accessor) Delete(ctx context.Context, key string) error {
	_, err := a.Registry.db.ExecContext(ctx,
		`DELETE FROM `+a.Registry.db.Table(`"_registry_"`)+` WHERE key=$1;`, a.key(key))
	return err
}
