package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"min int64", Int(-9223372036854775808), "-9223372036854775808"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"null", Null{}, "null"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array of ints", Array{Int(1), Int(2), Int(3)}, "[1,2,3]"},
		{"simple object", Object{"a": Int(1)}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := Object{
		"z": Object{"b": Int(1), "a": Int(2)},
		"a": Int(3),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\ue000\":1}", string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 vs U+10000 - UTF-16 order differs from UTF-8
	obj := Object{
		"\ue000":     Int(1),
		"\U00010000": Int(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\ue000\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(String("<script>a & b</script>"))
	require.NoError(t, err)
	assert.Equal(t, `"<script>a & b</script>"`, string(result))
	assert.NotContains(t, string(result), "\\u003c")
	assert.NotContains(t, string(result), "\\u0026")
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"

	r1, err := MarshalCanonical(String(composed))
	require.NoError(t, err)
	r2, err := MarshalCanonical(String(decomposed))
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "NFC normalization should make these equal")

	k1, err := EncodeKey(Object{composed: Int(1)})
	require.NoError(t, err)
	k2, err := EncodeKey(Object{decomposed: Int(1)})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "object keys are normalized too")
}

func TestMarshalCanonicalIdempotency(t *testing.T) {
	cases := []Value{
		String("hello"),
		Int(42),
		Bool(true),
		Null{},
		Array{Int(1), String("two"), Bool(false)},
		Object{"nested": Object{"array": Array{Int(1), Null{}}}, "simple": String("value")},
	}

	for _, original := range cases {
		c1, err := MarshalCanonical(original)
		require.NoError(t, err)

		val, err := DecodeValue(c1)
		require.NoError(t, err)

		c2, err := MarshalCanonical(val)
		require.NoError(t, err)
		assert.Equal(t, c1, c2, "canonical marshaling must be idempotent")
	}
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"line separator", "a\u2028b", "\"a\u2028b\""},
		{"paragraph separator", "a\u2029b", "\"a\u2029b\""},
		{"literal backslash-u2028 text", `is \u2028`, `"is \\u2028"`},
		{"mixed literal and actual", "lit \\u2028 and \u2028", "\"lit \\\\u2028 and \u2028\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(String(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestEncodeKeyDistinguishesTypes(t *testing.T) {
	s, err := EncodeKey(String("1"))
	require.NoError(t, err)
	i, err := EncodeKey(Int(1))
	require.NoError(t, err)
	assert.NotEqual(t, s, i)
	assert.Equal(t, `"1"`, s)
	assert.Equal(t, `1`, i)
}

func TestParseKey(t *testing.T) {
	assert.Equal(t, String("A"), ParseKey("A"))
	assert.Equal(t, String("A"), ParseKey(`"A"`))
	assert.Equal(t, Int(42), ParseKey("42"))
	assert.Equal(t, Array{String("A"), Int(0)}, ParseKey(`["A",0]`))
	assert.Equal(t, String("3.5"), ParseKey("3.5"), "floats fall back to bare strings")
	assert.Equal(t, Null{}, ParseKey("null"))

	// Bare words that merely start like a JSON literal stay strings.
	for _, word := range []string{"nancy", "nick", "nil", "none", "nullable", "tom", "falsey"} {
		assert.Equal(t, String(word), ParseKey(word), word)
	}
}

func FuzzMarshalCanonicalIdempotent(f *testing.F) {
	f.Add(`{"a":1,"b":"test"}`)
	f.Add(`[1,2,3]`)
	f.Add(`"hello"`)
	f.Add(`42`)
	f.Add(`null`)

	f.Fuzz(func(t *testing.T, input string) {
		val, err := DecodeValue([]byte(input))
		if err != nil {
			return
		}
		c1, err := MarshalCanonical(val)
		if err != nil {
			return
		}
		val2, err := DecodeValue(c1)
		if err != nil {
			t.Fatalf("canonical output does not decode: %v", err)
		}
		c2, err := MarshalCanonical(val2)
		if err != nil {
			t.Fatalf("second marshal failed: %v", err)
		}
		if string(c1) != string(c2) {
			t.Fatalf("not idempotent: %s vs %s", c1, c2)
		}
	})
}
