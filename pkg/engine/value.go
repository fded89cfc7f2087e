// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind tags a typed result cell.
type Kind uint8

// Value kinds
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDecimal
	KindString
	KindBytes
	KindDate
	KindTime
	KindTimestamp
	KindList
	KindStruct
	KindJSON
)

// Value is one typed result cell. Decimal, date, time and timestamp
// values carry their canonical string form; bytes serialize as base64.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	List   []Value
	Struct map[string]Value
}

// Row is a result row keyed by column name.
type Row map[string]Value

// Null is the null value.
var Null = Value{Kind: KindNull}

// BoolValue constructs a bool value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue constructs an int value.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue constructs a float value.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// StringValue constructs a string value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// MarshalJSON renders the value in its wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		return json.Marshal(v.Float)
	case KindDecimal, KindString, KindDate, KindTime, KindTimestamp:
		return json.Marshal(v.Str)
	case KindBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.Bytes))
	case KindList:
		return json.Marshal(v.List)
	case KindStruct:
		return json.Marshal(v.Struct)
	case KindJSON:
		if json.Valid([]byte(v.Str)) {
			return []byte(v.Str), nil
		}
		return json.Marshal(v.Str)
	}
	return []byte("null"), nil
}

// Native returns the value as a plain Go type, for template binding and
// MCP content.
func (v Value) Native() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindDecimal, KindString, KindDate, KindTime, KindTimestamp, KindJSON:
		return v.Str
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	case KindList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			out[i] = e.Native()
		}
		return out
	case KindStruct:
		out := make(map[string]any, len(v.Struct))
		for k, e := range v.Struct {
			out[k] = e.Native()
		}
		return out
	}
	return nil
}

// Native returns the row as a plain map.
func (r Row) Native() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.Native()
	}
	return out
}

// convert turns a database/sql driver value into a tagged Value, guided
// by the column's declared type.
func convert(raw any, declType string) Value {
	if raw == nil {
		return Null
	}
	decl := strings.ToUpper(declType)

	switch v := raw.(type) {
	case bool:
		return BoolValue(v)
	case int64:
		if strings.Contains(decl, "BOOL") {
			return BoolValue(v != 0)
		}
		return IntValue(v)
	case float64:
		if strings.Contains(decl, "DECIMAL") || strings.Contains(decl, "NUMERIC") {
			return Value{Kind: KindDecimal, Str: trimFloat(v)}
		}
		return FloatValue(v)
	case time.Time:
		return fromTime(v, decl)
	case []byte:
		if strings.Contains(decl, "JSON") {
			return Value{Kind: KindJSON, Str: string(v)}
		}
		return Value{Kind: KindBytes, Bytes: v}
	case string:
		return fromString(v, decl)
	default:
		return StringValue(fmt.Sprint(raw))
	}
}

func fromTime(t time.Time, decl string) Value {
	switch {
	case strings.Contains(decl, "DATE") && !strings.Contains(decl, "DATETIME"):
		return Value{Kind: KindDate, Str: t.Format("2006-01-02")}
	case decl == "TIME":
		return Value{Kind: KindTime, Str: t.Format("15:04:05")}
	default:
		return Value{Kind: KindTimestamp, Str: t.UTC().Format(time.RFC3339)}
	}
}

func fromString(s, decl string) Value {
	switch {
	case strings.Contains(decl, "JSON"):
		return Value{Kind: KindJSON, Str: s}
	case strings.Contains(decl, "DATETIME") || strings.Contains(decl, "TIMESTAMP"):
		return Value{Kind: KindTimestamp, Str: s}
	case strings.Contains(decl, "DATE"):
		return Value{Kind: KindDate, Str: s}
	case decl == "TIME":
		return Value{Kind: KindTime, Str: s}
	case strings.Contains(decl, "DECIMAL") || strings.Contains(decl, "NUMERIC"):
		return Value{Kind: KindDecimal, Str: s}
	default:
		return StringValue(s)
	}
}

func trimFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
