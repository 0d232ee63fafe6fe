package schema

import "fmt"

// Collection names a keyed collection of records.
type Collection string

const (
	Customers  Collection = "customers"
	Suppliers  Collection = "suppliers"
	Inventory  Collection = "inventory"
	Sales      Collection = "sales"
	GRNs       Collection = "grns"
	JobNotes   Collection = "jobNotes"
	Warranties Collection = "warranties"
	CashFlow   Collection = "cashFlow"
	Users      Collection = "users"
)

// collectionOrder is the fixed iteration order for anything that walks
// every collection (merge, stats, CLI help).
var collectionOrder = []Collection{
	Customers,
	Suppliers,
	Inventory,
	Sales,
	GRNs,
	JobNotes,
	Warranties,
	CashFlow,
	Users,
}

// Collections returns all known collections in a stable order.
func Collections() []Collection {
	out := make([]Collection, len(collectionOrder))
	copy(out, collectionOrder)
	return out
}

// Known reports whether c is one of the declared collections.
func (c Collection) Known() bool {
	_, ok := definitions[c]
	return ok
}

func (c Collection) String() string {
	return string(c)
}

// ParseCollection converts a user-supplied name into a Collection.
func ParseCollection(name string) (Collection, error) {
	c := Collection(name)
	if !c.Known() {
		return "", fmt.Errorf("unknown collection %q", name)
	}
	return c, nil
}
