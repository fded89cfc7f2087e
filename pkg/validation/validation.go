// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package validation runs the declared validators of an endpoint against
// an incoming request. All failures are collected so the client sees
// every problem at once.
package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/errors"
)

// Messages with externally observable exact wording.
const (
	MsgRequiredMissing = "Required field is missing"
	MsgUnknownParam    = "Unknown parameter not defined in endpoint configuration"
)

// Reserved query parameters handled by the pagination layer; they are
// never unknown and never validated against endpoint declarations.
var reservedParams = map[string]bool{
	"limit":  true,
	"offset": true,
}

// Input carries the raw request values by location.
type Input struct {
	Query  map[string][]string
	Path   map[string]string
	Header map[string][]string
	Body   []byte
}

// Validate runs required checks, type coercion, constraint validators and
// unknown-parameter rejection for every declared parameter. It returns
// the coerced parameter map and the collected failures; the map is only
// meaningful when the failure list is empty.
func Validate(params []config.Parameter, in Input) (map[string]any, []errors.FieldError) {
	var fieldErrs []errors.FieldError
	values := make(map[string]any)

	declared := make(map[string]bool, len(params))
	for i := range params {
		declared[params[i].FieldName] = true
	}

	// Unknown request-supplied fields are rejected before any SQL can
	// see them.
	for key := range in.Query {
		if !declared[key] && !reservedParams[key] {
			fieldErrs = append(fieldErrs, errors.FieldError{Field: key, Message: MsgUnknownParam})
		}
	}
	if len(in.Body) > 0 && gjson.ValidBytes(in.Body) {
		gjson.ParseBytes(in.Body).ForEach(func(key, _ gjson.Result) bool {
			if k := key.String(); !declared[k] {
				fieldErrs = append(fieldErrs, errors.FieldError{Field: k, Message: MsgUnknownParam})
			}
			return true
		})
	}

	for i := range params {
		p := &params[i]
		raw, present := lookupValue(p, in)
		if !present && p.Default != nil {
			raw, present = *p.Default, true
		}
		if !present || raw == "" {
			if p.Required {
				// Single error; remaining validators do not run.
				fieldErrs = append(fieldErrs, errors.FieldError{Field: p.FieldName, Message: MsgRequiredMissing})
			}
			continue
		}

		value, errs := runValidators(p, raw)
		if len(errs) > 0 {
			fieldErrs = append(fieldErrs, errs...)
			continue
		}
		values[p.FieldName] = value
	}

	return values, fieldErrs
}

func lookupValue(p *config.Parameter, in Input) (string, bool) {
	switch p.FieldIn {
	case config.InPath:
		v, ok := in.Path[p.FieldName]
		return v, ok
	case config.InHeader:
		for k, vs := range in.Header {
			if strings.EqualFold(k, p.FieldName) && len(vs) > 0 {
				return vs[0], true
			}
		}
		return "", false
	case config.InBody:
		if len(in.Body) == 0 {
			return "", false
		}
		res := gjson.GetBytes(in.Body, p.FieldName)
		if !res.Exists() {
			return "", false
		}
		return res.String(), true
	default: // query
		if vs, ok := in.Query[p.FieldName]; ok && len(vs) > 0 {
			return vs[0], true
		}
		return "", false
	}
}

// runValidators applies the declared validators in order after coercing
// the raw string. The coerced value of the first typed validator wins;
// with no typed validator the value stays a string.
func runValidators(p *config.Parameter, raw string) (any, []errors.FieldError) {
	var out []errors.FieldError
	var value any = raw

	fail := func(msg string) {
		out = append(out, errors.FieldError{Field: p.FieldName, Message: msg})
	}

	for _, v := range p.Validators {
		switch v.Type {
		case "int":
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				fail("Value must be an integer")
				continue
			}
			value = n
			if v.Min != nil && float64(n) < *v.Min {
				fail(fmt.Sprintf("Value below minimum of %g", *v.Min))
			}
			if v.Max != nil && float64(n) > *v.Max {
				fail(fmt.Sprintf("Value above maximum of %g", *v.Max))
			}

		case "string":
			if v.Regex != "" {
				re, err := regexp.Compile(v.Regex)
				if err != nil {
					fail("Invalid validation pattern in endpoint configuration")
				} else if !re.MatchString(raw) {
					fail(fmt.Sprintf("Value does not match pattern %s", v.Regex))
				}
			}
			if v.Min != nil && float64(len(raw)) < *v.Min {
				fail(fmt.Sprintf("Value shorter than minimum length of %g", *v.Min))
			}
			if v.Max != nil && float64(len(raw)) > *v.Max {
				fail(fmt.Sprintf("Value longer than maximum length of %g", *v.Max))
			}
			// Emit both the format and injection errors so clients see
			// both reasons.
			if v.PreventSQLInjection {
				if msg, bad := screenSQLInjection(raw); bad {
					fail(msg)
				}
			}

		case "enum":
			found := false
			for _, allowed := range v.AllowedValues {
				if raw == allowed {
					found = true
					break
				}
			}
			if !found {
				fail(fmt.Sprintf("Value must be one of: %s", strings.Join(v.AllowedValues, ", ")))
			}

		case "email":
			if _, err := mail.ParseAddress(raw); err != nil || !strings.Contains(raw, "@") {
				fail("Invalid email address")
			}

		case "uuid":
			if _, err := uuid.Parse(raw); err != nil {
				fail("Invalid UUID")
			}

		case "date":
			d, err := time.Parse("2006-01-02", raw)
			if err != nil {
				fail("Invalid date, expected YYYY-MM-DD")
				continue
			}
			value = raw
			if v.MinDate != "" {
				if min, perr := time.Parse("2006-01-02", v.MinDate); perr == nil && d.Before(min) {
					fail(fmt.Sprintf("Date before minimum of %s", v.MinDate))
				}
			}
			if v.MaxDate != "" {
				if max, perr := time.Parse("2006-01-02", v.MaxDate); perr == nil && d.After(max) {
					fail(fmt.Sprintf("Date after maximum of %s", v.MaxDate))
				}
			}

		case "time":
			if _, err := time.Parse("15:04:05", raw); err != nil {
				fail("Invalid time, expected HH:MM:SS")
			}

		case "bool":
			b, err := strconv.ParseBool(raw)
			if err != nil {
				fail("Value must be a boolean")
				continue
			}
			value = b
		}
	}

	return value, out
}
