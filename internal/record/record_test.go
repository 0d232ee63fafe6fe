package record

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/schema"
)

func TestMarshalCanonical_SortsKeysAndSkipsHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"zeta":  "a<b>&c",
		"alpha": int64(1),
		"mid":   []any{true, nil, 2.5},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":1,"mid":[true,null,2.5],"zeta":"a<b>&c"}`, string(got))
}

func TestMarshalCanonical_IntegralFloatsPrintAsIntegers(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"total": 250.0, "tax": 12.75})
	require.NoError(t, err)
	assert.Equal(t, `{"tax":12.75,"total":250}`, string(got))
}

func TestMarshalCanonical_RejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": math.NaN()})
	assert.Error(t, err)

	_, err = MarshalCanonical(math.Inf(1))
	assert.Error(t, err)
}

func TestMarshalCanonical_Strings(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"quote and backslash", `a"b\c`, `"a\"b\\c"`},
		{"control characters", "a\nb\tc\x01", `"a\nb\tc\u0001"`},
		{"line separator kept literal", "a\u2028b", "\"a\u2028b\""},
		{"nfc composed", "e\u0301", "\"\u00e9\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...) which sorts before
	// U+FF21 (0xFF21) in UTF-16, but after it in UTF-8 byte order.
	got, err := MarshalCanonical(map[string]any{"Ａ": int64(1), "\U0001F600": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"Ａ\":1}", string(got))
}

func TestUnmarshalFields_KeepsLargeIntegers(t *testing.T) {
	f, err := UnmarshalFields([]byte(`{"big":9007199254740993,"price":1.5,"tags":["a"],"nested":{"n":2}}`))
	require.NoError(t, err)

	assert.Equal(t, int64(9007199254740993), f["big"])
	assert.Equal(t, 1.5, f["price"])
	assert.Equal(t, []any{"a"}, f["tags"])
	assert.Equal(t, map[string]any{"n": int64(2)}, f["nested"])
}

func TestUnmarshalFields_RejectsNonObjects(t *testing.T) {
	_, err := UnmarshalFields([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestNormalize_TypedGoValues(t *testing.T) {
	n, ok := Normalize(map[string]any{
		"qty":   3,
		"codes": []string{"a", "b"},
		"attrs": map[string]string{"color": "red"},
		"price": float32(2.5),
		"num":   json.Number("7"),
	})
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"qty":   int64(3),
		"codes": []any{"a", "b"},
		"attrs": map[string]any{"color": "red"},
		"price": 2.5,
		"num":   int64(7),
	}, n)

	_, ok = Normalize(map[string]any{"fn": func() {}})
	assert.False(t, ok)
}

func TestStripReserved(t *testing.T) {
	got := StripReserved(Fields{
		"id":        int64(9),
		"createdAt": "x",
		"updatedAt": "y",
		"synced":    true,
		"name":      "Jane",
	})
	assert.Equal(t, Fields{"name": "Jane"}, got)
}

func TestMerge_DoesNotModifyInputs(t *testing.T) {
	base := Fields{"a": int64(1), "b": int64(2)}
	patch := Fields{"b": int64(3)}

	got := Merge(base, patch)
	assert.Equal(t, Fields{"a": int64(1), "b": int64(3)}, got)
	assert.Equal(t, int64(2), base["b"])
}

func TestClone_IsDeep(t *testing.T) {
	orig := Fields{"items": []any{map[string]any{"code": "P-1"}}}
	cp := orig.Clone()
	cp["items"].([]any)[0].(map[string]any)["code"] = "P-2"

	assert.Equal(t, "P-1", orig["items"].([]any)[0].(map[string]any)["code"])
}

func TestPayload_RoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	rec := Record{
		ID:         42,
		Collection: schema.Sales,
		Fields:     Fields{"invoiceNo": "INV-1", "total": 99.5},
		CreatedAt:  created,
		UpdatedAt:  created.Add(time.Minute),
		Synced:     true,
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t,
		`{"createdAt":"2024-05-01T09:30:00Z","id":42,"invoiceNo":"INV-1","synced":true,"total":99.5,"updatedAt":"2024-05-01T09:31:00Z"}`,
		string(data))

	back, err := DecodePayload(schema.Sales, data)
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestRecord_NaturalKey(t *testing.T) {
	rec := Record{ID: 5, Collection: schema.Inventory, Fields: Fields{"code": "P-1"}}
	assert.Equal(t, "code:P-1", rec.NaturalKey().String())

	rec.Fields = Fields{}
	assert.Equal(t, "id:5", rec.NaturalKey().String())
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("delete")
	require.NoError(t, err)
	assert.Equal(t, OpDelete, op)

	_, err = ParseOperation("upsert")
	assert.Error(t, err)
}

func TestEntry_MarshalJSON(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e := Entry{
		ID:         1,
		UID:        "u-1",
		Collection: schema.Customers,
		NaturalKey: "id:3",
		Operation:  OpCreate,
		Data:       Record{ID: 3, Collection: schema.Customers, Fields: Fields{"email": "a@x.com"}, CreatedAt: at, UpdatedAt: at},
		EnqueuedAt: at,
		Version:    1,
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Equal(t,
		`{"collection":"customers","data":{"createdAt":"2024-05-01T10:00:00Z","email":"a@x.com","id":3,"synced":false,"updatedAt":"2024-05-01T10:00:00Z"},"enqueuedAt":"2024-05-01T10:00:00Z","id":1,"naturalKey":"id:3","operation":"create","retryCount":0,"uid":"u-1","version":1}`,
		string(data))
}
