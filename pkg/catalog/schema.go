package catalog

// Column field names shared with the query engine.
const (
	Source = "Source"
	Module = "ModuleId"

	StatVTPrefix      = "StatTable"
	StatTimeField     = "T"
	StatTimebinField  = "T="
	StatUUIDField     = "UUID"
	StatSourceField   = "Source"
	StatObjectIDField = "name"

	// OverlayToUnderlayFlowMap queries bypass the engine entirely.
	OverlayToUnderlayFlowMap = "OverlayToUnderlayFlowMap"
)

// Table schema types.
const (
	TypeLog    = "LOG"
	TypeStat   = "STAT"
	TypeObject = "OBJECT"
	TypeFlow   = "FLOW"
)

type ColumnSchema struct {
	Name     string `json:"name"`
	Datatype string `json:"datatype"`
	Indexed  bool   `json:"index"`
}

type Schema struct {
	Type    string         `json:"type"`
	Columns []ColumnSchema `json:"columns"`
}

// Table is one entry of the virtual-table catalog.
type Table struct {
	Name         string
	DisplayName  string
	Schema       Schema
	ColumnValues []string
	// ObjTable links a statistics table back to the object table whose
	// keys populate the name column values.
	ObjTable string
}

// StatTableDecl declares a statistics table before schema expansion.
type StatTableDecl struct {
	StatType    string
	StatAttr    string
	DisplayName string
	ObjTable    string
	Attributes  []ColumnSchema
}

// expandStatSchema synthesizes the full schema of a statistics table from
// its declaration: source and time columns with their CLASS bucketings, the
// row UUID, COUNT of the attribute, the declared attributes, and for each
// numeric attribute the SUM/CLASS/MAX/MIN aggregates. The implicit name
// column is appended when the declaration omits it.
func expandStatSchema(decl StatTableDecl) Schema {
	cols := []ColumnSchema{
		{Name: StatSourceField, Datatype: "string", Indexed: true},
		{Name: StatTimeField, Datatype: "int"},
		{Name: "CLASS(" + StatTimeField + ")", Datatype: "int"},
		{Name: StatTimebinField, Datatype: "int"},
		{Name: "CLASS(" + StatTimebinField + ")", Datatype: "int"},
		{Name: StatUUIDField, Datatype: "uuid"},
		{Name: "COUNT(" + decl.StatAttr + ")", Datatype: "int"},
	}

	hasName := false
	for _, attr := range decl.Attributes {
		if attr.Name == StatObjectIDField {
			hasName = true
		}
		cols = append(cols, attr)
		if attr.Datatype == "int" || attr.Datatype == "double" {
			for _, agg := range []string{"SUM", "CLASS", "MAX", "MIN"} {
				cols = append(cols, ColumnSchema{
					Name:     agg + "(" + attr.Name + ")",
					Datatype: attr.Datatype,
				})
			}
		}
	}
	if !hasName {
		cols = append(cols, ColumnSchema{Name: StatObjectIDField, Datatype: "string", Indexed: true})
	}

	return Schema{Type: TypeStat, Columns: cols}
}

// statTableName forms the external name of a statistics table.
func statTableName(decl StatTableDecl) string {
	return StatVTPrefix + "." + decl.StatType + "." + decl.StatAttr
}
