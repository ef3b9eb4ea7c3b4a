package backend

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// column is the database column behind a property of a request body
type column struct {
	name string
	// jsonb columns take the raw JSON of the property
	jsonb bool
	// notNull columns ignore explicit nulls
	notNull bool
}

var (
	topLevelContainerProperties = map[string]column{
		"type":       {name: "type", notNull: true},
		"code":       {name: "code", notNull: true},
		"barCode":    {name: "bar_code"},
		"name":       {name: "name", notNull: true},
		"comments":   {name: "comments"},
		"details":    {name: "details", jsonb: true},
		"isInternal": {name: "is_internal", notNull: true},
	}

	containerProperties = map[string]column{
		"type":                {name: "type", notNull: true},
		"subType":             {name: "sub_type"},
		"name":                {name: "name", notNull: true},
		"comments":            {name: "comments"},
		"details":             {name: "details", jsonb: true},
		"topLevelContainerId": {name: "top_level_container_id"},
		"parentId":            {name: "parent_id"},
		"shipmentId":          {name: "shipment_id"},
		"capacity":            {name: "capacity"},
		"location":            {name: "location"},
		"requestedReturn":     {name: "requested_return", notNull: true},
		"registeredContainer": {name: "registered_container"},
		"isInternal":          {name: "is_internal", notNull: true},
	}

	sampleProperties = map[string]column{
		"proteinId":   {name: "protein_id", notNull: true},
		"type":        {name: "type", notNull: true},
		"name":        {name: "name", notNull: true},
		"comments":    {name: "comments"},
		"details":     {name: "details", jsonb: true},
		"containerId": {name: "container_id"},
		"shipmentId":  {name: "shipment_id", notNull: true},
		"location":    {name: "location"},
		"subLocation": {name: "sub_location"},
	}
)

// fields are the properties of a validated request body
type fields map[string]json.RawMessage

// readBody reads the body of r and decodes it into value after validating it against schemaID
func (b *Backend) readBody(r *http.Request, schemaID string, value interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errorf(http.StatusBadRequest, "cannot read body: %s", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	return b.validator.Decode(body, schemaID, value)
}

// has returns true if the property is present and not null
func (f fields) has(property string) bool {
	raw, ok := f[property]
	return ok && !isNull(raw)
}

// text returns the string value of property, or an empty string
func (f fields) text(property string) string {
	var s string
	if raw, ok := f[property]; ok {
		json.Unmarshal(raw, &s)
	}
	return s
}

// integer returns the integer value of property, or nil
func (f fields) integer(property string) *int64 {
	raw, ok := f[property]
	if !ok || isNull(raw) {
		return nil
	}
	var i int64
	if err := json.Unmarshal(raw, &i); err != nil {
		return nil
	}
	return &i
}

func (f fields) setString(property, value string) {
	raw, _ := json.Marshal(value)
	f[property] = raw
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// assignments are column values of an insert or update
type assignments struct {
	columns []string
	args    []interface{}
}

func (a *assignments) set(column string, arg interface{}) {
	for i, c := range a.columns {
		if c == column {
			a.args[i] = arg
			return
		}
	}
	a.columns = append(a.columns, column)
	a.args = append(a.args, arg)
}

// assign converts the properties of f known to properties into column assignments. The
// properties in skip are left out.
func assign(f fields, properties map[string]column, skip ...string) (*assignments, error) {
	a := &assignments{}
	skipped := map[string]bool{}
	for _, s := range skip {
		skipped[s] = true
	}
	// sorted for stable statements
	for _, property := range sortedProperties(f) {
		c, ok := properties[property]
		if !ok || skipped[property] {
			continue
		}
		raw := f[property]
		if isNull(raw) {
			if c.notNull {
				continue
			}
			a.set(c.name, nil)
			continue
		}
		if c.jsonb {
			a.set(c.name, string(raw))
			continue
		}
		var value interface{}
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&value); err != nil {
			return nil, errorf(http.StatusBadRequest, "invalid value for %s", property)
		}
		if n, ok := value.(json.Number); ok {
			i, err := n.Int64()
			if err != nil {
				return nil, errorf(http.StatusBadRequest, "invalid value for %s", property)
			}
			value = i
		}
		a.set(c.name, value)
	}
	return a, nil
}

func sortedProperties(f fields) []string {
	properties := make([]string, 0, len(f))
	for p := range f {
		properties = append(properties, p)
	}
	sort.Strings(properties)
	return properties
}

// insert returns the statement inserting the assignments into table, returning returning
func (a *assignments) insert(table, returning string) string {
	placeholders := make([]string, len(a.columns))
	for i := range a.columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return "INSERT INTO " + table + " (" + strings.Join(a.columns, ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ") RETURNING " + returning + ";"
}

// update returns the statement updating the row of table with the id given as last argument
func (a *assignments) update(table, returning string) string {
	if len(a.columns) == 0 {
		return "UPDATE " + table + " SET id = id WHERE id = $1 RETURNING " + returning + ";"
	}
	set := make([]string, len(a.columns))
	for i, c := range a.columns {
		set[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	return "UPDATE " + table + " SET " + strings.Join(set, ", ") + fmt.Sprintf(" WHERE id = $%d", len(a.columns)+1) +
		" RETURNING " + returning + ";"
}
