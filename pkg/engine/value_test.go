// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertByDeclaredType(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 3, 20, 15, 45, 30, 0, time.UTC)

	tests := []struct {
		name string
		raw  any
		decl string
		want Value
	}{
		{"null", nil, "INTEGER", Null},
		{"integer", int64(42), "INTEGER", IntValue(42)},
		{"boolean column stores ints", int64(1), "BOOLEAN", BoolValue(true)},
		{"boolean false", int64(0), "BOOL", BoolValue(false)},
		{"real", 1.5, "REAL", FloatValue(1.5)},
		{"decimal keeps string form", 711.56, "DECIMAL(12,2)", Value{Kind: KindDecimal, Str: "711.56"}},
		{"numeric", 3.0, "NUMERIC", Value{Kind: KindDecimal, Str: "3"}},
		{"text", "hello", "TEXT", StringValue("hello")},
		{"date string", "2024-03-20", "DATE", Value{Kind: KindDate, Str: "2024-03-20"}},
		{"time string", "15:45:30", "TIME", Value{Kind: KindTime, Str: "15:45:30"}},
		{"datetime string", "2024-03-20 15:45:30", "DATETIME", Value{Kind: KindTimestamp, Str: "2024-03-20 15:45:30"}},
		{"timestamp value", ts, "TIMESTAMP", Value{Kind: KindTimestamp, Str: "2024-03-20T15:45:30Z"}},
		{"date value", ts, "DATE", Value{Kind: KindDate, Str: "2024-03-20"}},
		{"json text", `{"a":1}`, "JSON", Value{Kind: KindJSON, Str: `{"a":1}`}},
		{"json blob", []byte(`[1,2]`), "JSON", Value{Kind: KindJSON, Str: "[1,2]"}},
		{"blob", []byte{0x01, 0x02}, "BLOB", Value{Kind: KindBytes, Bytes: []byte{0x01, 0x02}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, convert(tt.raw, tt.decl))
		})
	}
}

func TestValueJSONWireForm(t *testing.T) {
	t.Parallel()
	row := Row{
		"flag":    BoolValue(true),
		"count":   IntValue(7),
		"ratio":   FloatValue(0.25),
		"price":   {Kind: KindDecimal, Str: "711.56"},
		"name":    StringValue("Customer#000000001"),
		"blob":    {Kind: KindBytes, Bytes: []byte("hi")},
		"day":     {Kind: KindDate, Str: "2024-03-20"},
		"doc":     {Kind: KindJSON, Str: `{"a":1}`},
		"nothing": Null,
	}

	data, err := json.Marshal(row)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, true, out["flag"])
	assert.EqualValues(t, 7, out["count"])
	assert.EqualValues(t, 0.25, out["ratio"])
	assert.Equal(t, "711.56", out["price"], "decimals stay strings on the wire")
	assert.Equal(t, "aGk=", out["blob"], "bytes are base64")
	assert.Equal(t, "2024-03-20", out["day"])
	assert.Equal(t, map[string]any{"a": float64(1)}, out["doc"], "valid JSON embeds unquoted")
	assert.Nil(t, out["nothing"])
}

func TestValueJSONInvalidDocumentFallsBackToString(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(Value{Kind: KindJSON, Str: "{broken"})
	require.NoError(t, err)
	assert.Equal(t, `"{broken"`, string(data))
}

func TestNativeFlattensNestedValues(t *testing.T) {
	t.Parallel()
	v := Value{Kind: KindStruct, Struct: map[string]Value{
		"tags": {Kind: KindList, List: []Value{StringValue("a"), StringValue("b")}},
		"n":    IntValue(2),
	}}

	native, ok := v.Native().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, native["tags"])
	assert.EqualValues(t, 2, native["n"])
}
