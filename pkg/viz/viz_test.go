package viz

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-graphviz"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/potsync/pkg/potdoc"
)

func sampleDoc(t *testing.T) *potdoc.Document {
	t.Helper()
	doc, err := potdoc.FromPlain(potdoc.PlainPot{ID: "p1", Name: "Flat", BaseCurrency: "GBP"}, potdoc.NewActorID())
	require.NoError(t, err)
	doc, err = doc.AddExpense(potdoc.PlainExpense{ID: "e1", Amount: decimal.RequireFromString("10.5"), PaidBy: "alice"})
	require.NoError(t, err)
	doc, err = doc.AddExpense(potdoc.PlainExpense{ID: "e2", Amount: decimal.RequireFromString("2"), PaidBy: "alice"})
	require.NoError(t, err)
	return doc
}

func TestDot(t *testing.T) {
	var buff bytes.Buffer
	require.NoError(t, Dot(sampleDoc(t), &buff))
	out := buff.String()
	assert.True(t, strings.HasPrefix(out, `digraph "log" {`))
	assert.Contains(t, out, "expenses=0 total=0.00")
	assert.Contains(t, out, "expenses=2 total=12.50")
	assert.Equal(t, 2, strings.Count(out, "->"))
}

func TestRenderSvg(t *testing.T) {
	var buff bytes.Buffer
	require.NoError(t, Render(sampleDoc(t), graphviz.SVG, &buff))
	assert.Contains(t, buff.String(), "<svg")
}
