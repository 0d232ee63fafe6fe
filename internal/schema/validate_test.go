package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_AcceptsWellFormedRecords(t *testing.T) {
	tests := []struct {
		collection Collection
		fields     map[string]any
	}{
		{Customers, map[string]any{"email": "a@x.com"}},
		{Customers, map[string]any{"name": "Jane", "creditLimit": int64(5000), "notes": "vip"}},
		{Sales, map[string]any{
			"invoiceNo":     "INV-1",
			"total":         125.5,
			"paymentMethod": "card",
			"items": []any{
				map[string]any{"code": "P-1", "quantity": int64(2), "price": 62.75},
			},
		}},
		{Inventory, map[string]any{"code": "P-1", "quantity": int64(-3)}},
		{Users, map[string]any{"email": "owner@shop.lk", "role": "admin"}},
		{CashFlow, map[string]any{"type": "out", "amount": int64(40)}},
		{Warranties, map[string]any{"warrantyNo": "W-1", "months": int64(12), "startDate": "2024-05-01"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.collection), func(t *testing.T) {
			assert.NoError(t, Validate(tt.collection, tt.fields))
		})
	}
}

func TestValidate_NullTreatedAsAbsent(t *testing.T) {
	assert.NoError(t, Validate(Customers, map[string]any{"email": nil, "name": "x"}))
}

func TestValidate_RejectsBadFields(t *testing.T) {
	err := Validate(Customers, map[string]any{"email": "not-an-email"})
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, Customers, verr.Collection)
	require.NotEmpty(t, verr.Violations)
	assert.Equal(t, "email", verr.Violations[0].Path)
	assert.Contains(t, err.Error(), "email")
}

func TestValidate_RejectsEnumOutsideSet(t *testing.T) {
	err := Validate(Users, map[string]any{"role": "superuser"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role")
}

func TestValidate_RejectsNegativeMoney(t *testing.T) {
	err := Validate(Sales, map[string]any{"total": -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total")
}

func TestValidate_RejectsWrongKind(t *testing.T) {
	err := Validate(Inventory, map[string]any{"quantity": "many"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantity")
}

func TestValidate_UnknownCollection(t *testing.T) {
	err := Validate(Collection("orders"), map[string]any{"a": "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection")
}

func TestCompileValidator_EveryCollectionHasAShape(t *testing.T) {
	v, err := compileValidator(collectionsCUE)
	require.NoError(t, err)
	for _, c := range Collections() {
		_, ok := v.shapes[c]
		assert.True(t, ok, c)
	}

	_, err = compileValidator(`customers: {}`)
	assert.Error(t, err)
}
