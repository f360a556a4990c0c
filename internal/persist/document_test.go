package persist

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTree(t *testing.T) {
	root := NewDocument("energyManager")
	root.SetString("sequence", "MEBT")
	opt := root.CreateChild("optimizer")
	sol := opt.CreateChild("solution")
	v := sol.CreateChild("variableValue")
	v.SetString("name", "MEBT_Mag:PS_QH01")
	v.SetFloat("value", -19.75)
	nan := sol.CreateChild("variableValue")
	nan.SetString("name", "broken")
	nan.SetFloat("value", math.NaN())
	opt.SetBool("enabled", true)
	opt.SetInt("count", 2)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, root))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "MEBT", got.Attr("sequence"))

	values := got.Child("optimizer").Child("solution").ChildrenNamed("variableValue")
	require.Len(t, values, 2)
	f, err := values[0].Float("value")
	require.NoError(t, err)
	assert.Equal(t, -19.75, f)

	f, err = values[1].Float("value")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(f))

	b, err := got.Child("optimizer").Bool("enabled")
	require.NoError(t, err)
	assert.True(t, b)
	n, err := got.Child("optimizer").Int("count")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMissingAndMalformedAttributes(t *testing.T) {
	n := NewDocument("x")
	n.SetString("f", "abc")

	_, err := n.Float("missing")
	assert.ErrorIs(t, err, ErrMalformedDocument)
	_, err = n.Float("f")
	assert.ErrorIs(t, err, ErrMalformedDocument)
	_, err = n.Bool("f")
	assert.ErrorIs(t, err, ErrMalformedDocument)
	_, err = n.Int("f")
	assert.ErrorIs(t, err, ErrMalformedDocument)

	assert.False(t, n.Has("missing"))
	assert.Nil(t, n.Child("nothing"))
	assert.Empty(t, n.ChildrenNamed("nothing"))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(strings.NewReader("label: [unterminated"))
	assert.ErrorIs(t, err, ErrMalformedDocument)

	_, err = Decode(strings.NewReader("children: []\n"))
	assert.ErrorIs(t, err, ErrMalformedDocument)
}
