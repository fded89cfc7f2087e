package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/errors"
)

func f(v float64) *float64 { return &v }

func customerParams() []config.Parameter {
	return []config.Parameter{
		{
			FieldName: "id", FieldIn: config.InQuery,
			Validators: []config.Validator{{Type: "int", Min: f(1)}},
		},
		{
			FieldName: "segment", FieldIn: config.InQuery,
			Validators: []config.Validator{{Type: "enum", AllowedValues: []string{"BUILDING", "AUTOMOBILE", "MACHINERY"}}},
		},
		{
			FieldName: "email", FieldIn: config.InQuery,
			Validators: []config.Validator{{Type: "email"}},
		},
	}
}

func query(kv map[string]string) map[string][]string {
	out := make(map[string][]string, len(kv))
	for k, v := range kv {
		out[k] = []string{v}
	}
	return out
}

func fieldsByName(errs []errors.FieldError) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		out[e.Field] = e.Message
	}
	return out
}

func TestValidRequest(t *testing.T) {
	t.Parallel()

	values, errs := Validate(customerParams(), Input{Query: query(map[string]string{"id": "1"})})
	require.Empty(t, errs)
	assert.Equal(t, int64(1), values["id"])
}

func TestRequiredFieldMissing(t *testing.T) {
	t.Parallel()

	params := []config.Parameter{{
		FieldName: "id", FieldIn: config.InQuery, Required: true,
		Validators: []config.Validator{{Type: "int", Min: f(1)}},
	}}
	_, errs := Validate(params, Input{})
	require.Len(t, errs, 1)
	assert.Equal(t, "id", errs[0].Field)
	// Exactly one error for the field; no other validators run.
	assert.Equal(t, MsgRequiredMissing, errs[0].Message)
}

func TestFailureAggregation(t *testing.T) {
	t.Parallel()

	_, errs := Validate(customerParams(), Input{Query: query(map[string]string{
		"id":      "0",
		"segment": "invalid_segment",
		"email":   "not-an-email",
	})})
	require.Len(t, errs, 3)
	byField := fieldsByName(errs)
	assert.Contains(t, byField["id"], "minimum")
	assert.Contains(t, byField["segment"], "one of")
	assert.Contains(t, byField["email"], "email")
}

func TestUnknownParameterRejected(t *testing.T) {
	t.Parallel()

	_, errs := Validate(customerParams(), Input{Query: query(map[string]string{
		"id":   "1",
		"name": "John",
	})})
	require.Len(t, errs, 1)
	assert.Equal(t, "name", errs[0].Field)
	assert.Equal(t, MsgUnknownParam, errs[0].Message)
}

func TestReservedPaginationParamsAllowed(t *testing.T) {
	t.Parallel()

	_, errs := Validate(customerParams(), Input{Query: query(map[string]string{
		"id":     "1",
		"limit":  "10",
		"offset": "20",
	})})
	assert.Empty(t, errs)
}

func TestDefaultApplied(t *testing.T) {
	t.Parallel()

	def := "BUILDING"
	params := []config.Parameter{{
		FieldName: "segment", FieldIn: config.InQuery, Default: &def,
		Validators: []config.Validator{{Type: "enum", AllowedValues: []string{"BUILDING"}}},
	}}
	values, errs := Validate(params, Input{})
	require.Empty(t, errs)
	assert.Equal(t, "BUILDING", values["segment"])
}

func TestTypeCoercion(t *testing.T) {
	t.Parallel()

	params := []config.Parameter{
		{FieldName: "n", FieldIn: config.InQuery, Validators: []config.Validator{{Type: "int"}}},
		{FieldName: "ok", FieldIn: config.InQuery, Validators: []config.Validator{{Type: "bool"}}},
		{FieldName: "day", FieldIn: config.InQuery, Validators: []config.Validator{{Type: "date"}}},
	}
	values, errs := Validate(params, Input{Query: query(map[string]string{
		"n": "12", "ok": "true", "day": "2024-06-01",
	})})
	require.Empty(t, errs)
	assert.Equal(t, int64(12), values["n"])
	assert.Equal(t, true, values["ok"])

	_, errs = Validate(params, Input{Query: query(map[string]string{"n": "twelve"})})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "integer")
}

func TestInjectionScreen(t *testing.T) {
	t.Parallel()

	params := []config.Parameter{{
		FieldName: "q", FieldIn: config.InQuery,
		Validators: []config.Validator{{Type: "string", Regex: "^[A-Za-z ]+$", PreventSQLInjection: true}},
	}}

	_, errs := Validate(params, Input{Query: query(map[string]string{"q": "x'; DROP TABLE users --"})})
	// Both the format and the injection failure are reported.
	require.GreaterOrEqual(t, len(errs), 2)
	byField := fieldsByName(errs)
	assert.Contains(t, byField, "q")

	_, errs = Validate(params, Input{Query: query(map[string]string{"q": "plain text"})})
	assert.Empty(t, errs)
}

func TestBodyParameters(t *testing.T) {
	t.Parallel()

	params := []config.Parameter{
		{FieldName: "product_name", FieldIn: config.InBody, Required: true},
		{FieldName: "supplier_id", FieldIn: config.InBody, Validators: []config.Validator{{Type: "int"}}},
	}
	body := []byte(`{"product_name":"Test","supplier_id":1}`)
	values, errs := Validate(params, Input{Body: body})
	require.Empty(t, errs)
	assert.Equal(t, "Test", values["product_name"])
	assert.Equal(t, int64(1), values["supplier_id"])

	// Unknown body keys are rejected like unknown query keys.
	_, errs = Validate(params, Input{Body: []byte(`{"product_name":"x","extra":true}`)})
	require.Len(t, errs, 1)
	assert.Equal(t, "extra", errs[0].Field)
	assert.Equal(t, MsgUnknownParam, errs[0].Message)
}

func TestUUIDAndTimeValidators(t *testing.T) {
	t.Parallel()

	params := []config.Parameter{
		{FieldName: "rid", FieldIn: config.InQuery, Validators: []config.Validator{{Type: "uuid"}}},
		{FieldName: "at", FieldIn: config.InQuery, Validators: []config.Validator{{Type: "time"}}},
	}
	_, errs := Validate(params, Input{Query: query(map[string]string{
		"rid": "5aadd98a-4f7f-4c41-9ad3-b9f361e52c7e",
		"at":  "13:45:00",
	})})
	assert.Empty(t, errs)

	_, errs = Validate(params, Input{Query: query(map[string]string{"rid": "nope", "at": "25:00"})})
	assert.Len(t, errs, 2)
}

func TestIntRangeBounds(t *testing.T) {
	t.Parallel()

	params := []config.Parameter{{
		FieldName: "qty", FieldIn: config.InQuery,
		Validators: []config.Validator{{Type: "int", Min: f(1), Max: f(100)}},
	}}

	_, errs := Validate(params, Input{Query: query(map[string]string{"qty": "50"})})
	assert.Empty(t, errs)

	_, errs = Validate(params, Input{Query: query(map[string]string{"qty": "0"})})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "minimum")

	_, errs = Validate(params, Input{Query: query(map[string]string{"qty": "101"})})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "maximum")
}

func TestStringRegexAndLength(t *testing.T) {
	t.Parallel()

	params := []config.Parameter{{
		FieldName: "code", FieldIn: config.InQuery,
		Validators: []config.Validator{{Type: "string", Regex: "^[A-Z]{3}$", Min: f(3), Max: f(3)}},
	}}

	_, errs := Validate(params, Input{Query: query(map[string]string{"code": "ABC"})})
	assert.Empty(t, errs)

	_, errs = Validate(params, Input{Query: query(map[string]string{"code": "abc"})})
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "pattern")
}

func TestDateBounds(t *testing.T) {
	t.Parallel()

	params := []config.Parameter{{
		FieldName: "from", FieldIn: config.InQuery,
		Validators: []config.Validator{{Type: "date", MinDate: "2020-01-01", MaxDate: "2020-12-31"}},
	}}

	values, errs := Validate(params, Input{Query: query(map[string]string{"from": "2020-06-15"})})
	require.Empty(t, errs)
	assert.Equal(t, "2020-06-15", values["from"])

	_, errs = Validate(params, Input{Query: query(map[string]string{"from": "2019-12-31"})})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "minimum")

	_, errs = Validate(params, Input{Query: query(map[string]string{"from": "2021-01-01"})})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "maximum")

	_, errs = Validate(params, Input{Query: query(map[string]string{"from": "15/06/2020"})})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "YYYY-MM-DD")
}
