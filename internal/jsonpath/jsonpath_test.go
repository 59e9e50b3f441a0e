package jsonpath

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/internal/types"
)

func doc(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestCompileRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"labels",
		".labels",
		"$.",
		"$.labels[",
		"$.labels[x]",
		"$.labels[-1]",
		"$..name",
		"$!",
	}
	for _, expr := range cases {
		_, err := Compile(expr)
		require.Error(t, err, "expr %q", expr)
		assert.True(t, errors.Is(err, types.ErrPathInvalid), "expr %q should be ErrPathInvalid", expr)
	}
}

func TestScalarMemberAccess(t *testing.T) {
	d := doc(t, `{"id":"d1","author":{"email":"a@x","name":"Ada"}}`)

	p, err := Compile("$.author.email")
	require.NoError(t, err)

	v, ok := p.Scalar(d)
	require.True(t, ok)
	assert.Equal(t, "a@x", v)
}

func TestScalarMissingMemberYieldsNoValue(t *testing.T) {
	d := doc(t, `{"id":"d1"}`)

	p, err := Compile("$.author.email")
	require.NoError(t, err)

	_, ok := p.Scalar(d)
	assert.False(t, ok)
}

func TestScalarDistinguishesNullFromAbsent(t *testing.T) {
	d := doc(t, `{"name":null}`)

	p, err := Compile("$.name")
	require.NoError(t, err)

	v, ok := p.Scalar(d)
	assert.True(t, ok, "explicit null is a match")
	assert.Nil(t, v)

	q, err := Compile("$.missing")
	require.NoError(t, err)
	_, ok = q.Scalar(d)
	assert.False(t, ok, "absent member is not a match")
}

func TestIndexAccess(t *testing.T) {
	d := doc(t, `{"labels":["graphs","tutorial"]}`)

	p, err := Compile("$.labels[1]")
	require.NoError(t, err)
	v, ok := p.Scalar(d)
	require.True(t, ok)
	assert.Equal(t, "tutorial", v)

	q, err := Compile("$.labels[5]")
	require.NoError(t, err)
	_, ok = q.Scalar(d)
	assert.False(t, ok, "out-of-range index yields no value")
}

func TestWildcardMulti(t *testing.T) {
	d := doc(t, `{"labels":["graphs","tutorial"]}`)

	p, err := Compile("$.labels[*]")
	require.NoError(t, err)
	assert.True(t, p.HasWildcard())
	assert.Equal(t, []any{"graphs", "tutorial"}, p.Multi(d))
}

func TestWildcardChainedMemberFlatMaps(t *testing.T) {
	d := doc(t, `{"comments":[{"author":"a"},{"author":"b"},{"body":"no author"}]}`)

	p, err := Compile("$.comments[*].author")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, p.Multi(d))
}

func TestScalarOnMultiMatchTakesFirst(t *testing.T) {
	d := doc(t, `{"labels":["graphs","tutorial"]}`)

	p, err := Compile("$.labels[*]")
	require.NoError(t, err)
	v, ok := p.Scalar(d)
	require.True(t, ok)
	assert.Equal(t, "graphs", v)
}

func TestRootOnly(t *testing.T) {
	d := doc(t, `{"a":1}`)
	p, err := Compile("$")
	require.NoError(t, err)
	v, ok := p.Scalar(d)
	require.True(t, ok)
	assert.Equal(t, d, v)
}

func TestEvalNeverPanicsOnTypeMismatch(t *testing.T) {
	p, err := Compile("$.a[0].b[*].c")
	require.NoError(t, err)

	for _, raw := range []string{`"string"`, `42`, `null`, `[]`, `{"a":"not-an-array"}`, `{"a":[{"b":"not-an-array"}]}`} {
		d := doc(t, raw)
		_, ok := p.Scalar(d)
		assert.False(t, ok, "doc %s", raw)
		assert.Empty(t, p.Multi(d))
	}
}
