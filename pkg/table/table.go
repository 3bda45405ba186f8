// Package table implements the table dictionary: named tables, each
// owning one primary index (point index + range index over the same
// key domain) and zero or more named secondary indices.
// Secondary-index entries are themselves DataItems, stored in their
// own point index keyed by the serialized secondary key, holding an
// encoded primary-key list as their byte value — so secondary writes
// flow through the same CC-protocol machinery as primary writes.
package table

import (
	"sync"

	"github.com/silokv/silokv/pkg/epoch"
	stoerrors "github.com/silokv/silokv/pkg/errors"
	"github.com/silokv/silokv/pkg/pindex"
	"github.com/silokv/silokv/pkg/rindex"
)

// DefaultTableName is the anonymous table created at startup for
// callers who never declare a schema.
const DefaultTableName = ""

// Primary bundles the point index (DataItem storage) and the range
// index (ordered key set, phantom avoidance) that together back a
// table's primary key space.
type Primary struct {
	Points *pindex.Index
	Range  *rindex.Index
}

// SecondaryIndex maps a typed, serialized key to a DataItem whose byte
// value is an encoded primary-key list.
type SecondaryIndex struct {
	Name   string
	Type   DataType
	Unique bool
	Points *pindex.Index
}

// Table is one named table: a primary key space plus its secondary
// indices.
type Table struct {
	Name    string
	Primary *Primary

	secMu sync.RWMutex
	secs  map[string]*SecondaryIndex
}

// Secondary resolves a named secondary index.
func (t *Table) Secondary(name string) (*SecondaryIndex, error) {
	t.secMu.RLock()
	defer t.secMu.RUnlock()
	si, ok := t.secs[name]
	if !ok {
		return nil, &stoerrors.IndexNotFoundError{Table: t.Name, Name: name}
	}
	return si, nil
}

// SecondaryNames lists every secondary index declared on t.
func (t *Table) SecondaryNames() []string {
	t.secMu.RLock()
	defer t.secMu.RUnlock()
	out := make([]string, 0, len(t.secs))
	for name := range t.secs {
		out = append(out, name)
	}
	return out
}

// Dictionary is the top-level table registry: it owns table
// creation/lookup and secondary-index declaration, and is shared by
// every transaction against the database.
type Dictionary struct {
	mu              sync.RWMutex
	tables          map[string]*Table
	fw              *epoch.Framework
	rehashThreshold float64
}

// NewDictionary constructs an empty dictionary. fw is threaded into
// every point index created so rehashes participate in the shared
// epoch framework's QSBR reclamation.
func NewDictionary(fw *epoch.Framework, rehashThreshold float64) *Dictionary {
	return &Dictionary{
		tables:          make(map[string]*Table),
		fw:              fw,
		rehashThreshold: rehashThreshold,
	}
}

// CreateTable declares a new table. Returns TableAlreadyExistsError if
// name is already registered.
func (d *Dictionary) CreateTable(name string) (*Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[name]; ok {
		return nil, &stoerrors.TableAlreadyExistsError{Name: name}
	}
	t := d.newTableLocked(name)
	d.tables[name] = t
	return t, nil
}

// EnsureDefaultTable creates the anonymous default table if it does
// not already exist, and is idempotent across repeated Open calls.
func (d *Dictionary) EnsureDefaultTable() *Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[DefaultTableName]; ok {
		return t
	}
	t := d.newTableLocked(DefaultTableName)
	d.tables[DefaultTableName] = t
	return t
}

func (d *Dictionary) newTableLocked(name string) *Table {
	return &Table{
		Name: name,
		Primary: &Primary{
			Points: pindex.New(d.fw, d.rehashThreshold),
			Range:  rindex.New(),
		},
		secs: make(map[string]*SecondaryIndex),
	}
}

// Table resolves a table by name.
func (d *Dictionary) Table(name string) (*Table, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[name]
	if !ok {
		return nil, &stoerrors.TableNotFoundError{Name: name}
	}
	return t, nil
}

// TableNames lists every declared table.
func (d *Dictionary) TableNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.tables))
	for name := range d.tables {
		out = append(out, name)
	}
	return out
}

// CreateSecondaryIndex declares a named secondary index of the given
// type on tableName. unique enforces at most one primary key per
// distinct secondary key at write time (enforced by the transaction
// layer, not here).
func (d *Dictionary) CreateSecondaryIndex(tableName, indexName string, typ DataType, unique bool) (*SecondaryIndex, error) {
	t, err := d.Table(tableName)
	if err != nil {
		return nil, err
	}
	t.secMu.Lock()
	defer t.secMu.Unlock()
	if _, ok := t.secs[indexName]; ok {
		return nil, &stoerrors.IndexAlreadyExistsError{Table: tableName, Name: indexName}
	}
	si := &SecondaryIndex{
		Name:   indexName,
		Type:   typ,
		Unique: unique,
		Points: pindex.New(d.fw, d.rehashThreshold),
	}
	t.secs[indexName] = si
	return si, nil
}

// SerializeKeyValue dispatches to the DataType-appropriate serializer,
// returning InvalidKeyTypeError for a mismatched Go value.
func SerializeKeyValue(typ DataType, value any) (string, error) {
	switch typ {
	case TypeInt:
		switch v := value.(type) {
		case int:
			return SerializeInt(int64(v)), nil
		case int32:
			return SerializeInt(int64(v)), nil
		case int64:
			return SerializeInt(v), nil
		}
	case TypeVarchar:
		if v, ok := value.(string); ok {
			return SerializeVarchar(v), nil
		}
	case TypeBool:
		if v, ok := value.(bool); ok {
			return SerializeBool(v), nil
		}
	case TypeFloat:
		switch v := value.(type) {
		case float32:
			return SerializeFloat(float64(v)), nil
		case float64:
			return SerializeFloat(v), nil
		}
	case TypeDate:
		if v, ok := value.(interface{ UnixNano() int64 }); ok {
			return SerializeInt(v.UnixNano()), nil
		}
	}
	return "", &stoerrors.InvalidKeyTypeError{Name: typ.String(), TypeName: goTypeName(value)}
}

func goTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case int, int32, int64:
		return "int"
	case string:
		return "string"
	case bool:
		return "bool"
	case float32, float64:
		return "float"
	default:
		return "unknown"
	}
}
