package schema

// UniqueRule is one candidate natural key checked on create.
// A candidate only exists when every field in Fields has a non-empty value;
// each part is normalized with NormalizerFor(field).
type UniqueRule struct {
	Name   string
	Fields []string
}

// Definition is the static schema entry for a collection.
type Definition struct {
	Collection Collection

	// KeyFields is the natural-key priority list. The engine id is always
	// the final fallback and is not listed.
	KeyFields []string

	// MatchFields are tried in order by the merge engine.
	MatchFields []string

	// Unique holds the duplicate-detection rules applied on create.
	Unique []UniqueRule

	// Indexed lists the fields ReadAll can filter on, in addition to the
	// record metadata columns (id, synced).
	Indexed []string
}

// Field names shared across collections.
const (
	FieldReferenceID = "referenceId"
	FieldEmail       = "email"
	FieldPhone       = "phone"
	FieldName        = "name"
)

func contactRules(businessID string) []UniqueRule {
	return []UniqueRule{
		{Name: businessID, Fields: []string{businessID}},
		{Name: "email", Fields: []string{FieldEmail}},
		{Name: "phone", Fields: []string{FieldPhone}},
		{Name: "name+phone", Fields: []string{FieldName, FieldPhone}},
	}
}

var definitions = map[Collection]Definition{
	Customers: {
		Collection:  Customers,
		KeyFields:   []string{"customerId", FieldReferenceID},
		MatchFields: []string{"customerId", FieldReferenceID, FieldEmail},
		Unique:      contactRules("customerId"),
		Indexed:     []string{"customerId", FieldReferenceID, FieldEmail, FieldPhone, FieldName},
	},
	Suppliers: {
		Collection:  Suppliers,
		KeyFields:   []string{"supplierId", FieldReferenceID},
		MatchFields: []string{"supplierId", FieldReferenceID, FieldEmail},
		Unique:      contactRules("supplierId"),
		Indexed:     []string{"supplierId", FieldReferenceID, FieldEmail, FieldPhone, FieldName},
	},
	Inventory: {
		Collection:  Inventory,
		KeyFields:   []string{"code", FieldReferenceID},
		MatchFields: []string{"code", FieldReferenceID},
		Indexed:     []string{"code", FieldReferenceID, "barcode", "category"},
	},
	Sales: {
		Collection:  Sales,
		KeyFields:   []string{"invoiceNo", FieldReferenceID},
		MatchFields: []string{"invoiceNo", FieldReferenceID},
		Indexed:     []string{"invoiceNo", FieldReferenceID, "customerId", "status"},
	},
	GRNs: {
		Collection:  GRNs,
		KeyFields:   []string{"grnNo", FieldReferenceID},
		MatchFields: []string{"grnNo", FieldReferenceID},
		Indexed:     []string{"grnNo", FieldReferenceID, "supplierId"},
	},
	JobNotes: {
		Collection:  JobNotes,
		KeyFields:   []string{"jobNo", FieldReferenceID},
		MatchFields: []string{"jobNo", FieldReferenceID},
		Indexed:     []string{"jobNo", FieldReferenceID, "customerId", "status"},
	},
	Warranties: {
		Collection:  Warranties,
		KeyFields:   []string{"warrantyNo", FieldReferenceID},
		MatchFields: []string{"warrantyNo", FieldReferenceID},
		Unique: []UniqueRule{
			{Name: "warrantyNo", Fields: []string{"warrantyNo"}},
			{Name: "serialNo", Fields: []string{"serialNo"}},
		},
		Indexed: []string{"warrantyNo", FieldReferenceID, "serialNo", "customerId"},
	},
	CashFlow: {
		Collection:  CashFlow,
		KeyFields:   []string{FieldReferenceID},
		MatchFields: []string{FieldReferenceID},
		Indexed:     []string{FieldReferenceID, "type"},
	},
	Users: {
		Collection:  Users,
		KeyFields:   []string{FieldEmail, "uid", "userId"},
		MatchFields: []string{FieldEmail, "uid"},
		Indexed:     []string{FieldEmail, "uid", "userId", "role"},
	},
}

// Lookup returns the definition for c.
func Lookup(c Collection) (Definition, bool) {
	def, ok := definitions[c]
	return def, ok
}

// IsIndexed reports whether ReadAll can filter c on field.
func IsIndexed(c Collection, field string) bool {
	if field == "id" || field == "synced" {
		return true
	}
	def, ok := definitions[c]
	if !ok {
		return false
	}
	for _, f := range def.Indexed {
		if f == field {
			return true
		}
	}
	return false
}
