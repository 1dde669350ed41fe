package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value for the
// key, asserting only that the key exists.
const PresencePlaceholder = "<<PRESENCE>>"

// MustJSON marshals v, panicking on failure. For test fixtures only.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAssertOptions controls structural normalization before comparison.
type JSONAssertOptions struct {
	// IgnoreExtraKeys drops keys from actual that expected does not name.
	IgnoreExtraKeys bool `default:"true"`
	// NilToEmptyArray treats null and [] as equal.
	NilToEmptyArray bool `default:"true"`
	// AllowPresencePlaceholder honors PresencePlaceholder values.
	AllowPresencePlaceholder bool `default:"true"`
	// IgnoredFields are object keys removed everywhere before comparing.
	IgnoredFields []string `default:""`
	// IgnoreArrayOrder sorts arrays on both sides before comparing.
	IgnoreArrayOrder bool `default:"false"`
}

// Option mutates JSONAssertOptions.
type Option func(*JSONAssertOptions)

func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithNilToEmptyArray(normalize bool) Option {
	return func(o *JSONAssertOptions) { o.NilToEmptyArray = normalize }
}

func WithAllowPresencePlaceholder(allow bool) Option {
	return func(o *JSONAssertOptions) { o.AllowPresencePlaceholder = allow }
}

func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

func WithIgnoreArrayOrder(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}

// JSONAsserter compares JSON documents structurally and reports
// mismatches as JSON diffs.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates an asserter with default options.
func NewJSONAsserter(t TestingT, opts ...Option) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, options: o}
}

// WithOptions applies further options and returns the asserter.
func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert fails the test when actualJSON differs structurally from
// expectedJSON after normalization.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON mismatch:\n%s", diff)
	}
}

// AssertValue marshals v and compares the result against expectedJSON.
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) {
	ja.Assert(MustJSON(v), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only; wrap root-level arrays
	if isArray(expected) && isArray(actual) {
		expected = map[string]interface{}{"array": expected}
		actual = map[string]interface{}{"array": actual}
	}

	if ja.options.AllowPresencePlaceholder {
		resolvePresence(expected, actual)
	}
	if ja.options.NilToEmptyArray {
		normalizeNilArrays(expected, actual)
	}

	// Ignored fields must go before array sorting: a volatile field left
	// in place would still steer the sort order it is supposed to be
	// excluded from.
	if len(ja.options.IgnoredFields) > 0 {
		removeIgnoredFields(expected, actual, ja.options.IgnoredFields)
	}
	// Sort before pruning extra keys so elements align correctly
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	d, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       false,
	})
	out, _ := f.Format(d)
	return out
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

// resolvePresence copies actual values over PresencePlaceholder markers so
// the later comparison sees them as equal.
func resolvePresence(expected, actual interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range exp {
			if s, ok := exp[k].(string); ok && s == PresencePlaceholder {
				exp[k] = act[k]
			} else {
				resolvePresence(exp[k], act[k])
			}
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				resolvePresence(exp[i], act[i])
			}
		}
	}
}

// normalizeNilArrays rewrites null to [] when the other side is nil or an
// empty array. A null facing a non-empty array stays a mismatch.
func normalizeNilArrays(expected, actual interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range exp {
			expVal, actVal := exp[k], act[k]
			if nilArrayEquivalent(expVal, actVal) {
				if expVal == nil {
					exp[k] = []interface{}{}
				}
				if actVal == nil {
					act[k] = []interface{}{}
				}
			} else if expVal != nil && actVal != nil {
				normalizeNilArrays(expVal, actVal)
			}
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i >= len(act) {
				break
			}
			if nilArrayEquivalent(exp[i], act[i]) {
				if exp[i] == nil {
					exp[i] = []interface{}{}
				}
				if act[i] == nil {
					act[i] = []interface{}{}
				}
			} else if exp[i] != nil && act[i] != nil {
				normalizeNilArrays(exp[i], act[i])
			}
		}
	}
}

func nilArrayEquivalent(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil {
		arr, ok := b.([]interface{})
		return ok && len(arr) == 0
	}
	if b == nil {
		arr, ok := a.([]interface{})
		return ok && len(arr) == 0
	}
	return false
}

// pruneExtraKeys deletes keys from actual that expected does not mention.
func pruneExtraKeys(actual, expected interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range act {
			if _, exists := exp[k]; !exists {
				delete(act, k)
			}
		}
		for k := range exp {
			pruneExtraKeys(act[k], exp[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}

// removeIgnoredFields strips the named keys from both documents at every
// nesting level.
func removeIgnoredFields(expected, actual interface{}, fields []string) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for _, field := range fields {
			delete(exp, field)
			delete(act, field)
		}
		for k := range exp {
			if actVal, exists := act[k]; exists {
				removeIgnoredFields(exp[k], actVal, fields)
			}
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				removeIgnoredFields(exp[i], act[i], fields)
			}
		}
	}
}

// sortArrays orders every array by the JSON encoding of its elements,
// recursively, to make comparisons order-independent.
func sortArrays(data interface{}) {
	switch v := data.(type) {
	case map[string]interface{}:
		for key := range v {
			sortArrays(v[key])
		}
	case []interface{}:
		sort.Slice(v, func(i, j int) bool {
			iJSON, _ := json.Marshal(v[i])
			jJSON, _ := json.Marshal(v[j])
			return string(iJSON) < string(jJSON)
		})
		for _, elem := range v {
			sortArrays(elem)
		}
	}
}
