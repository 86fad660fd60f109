// Package viz renders the change graph of a pot document, one node per change labelled with the
// state of the pot at that change.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
	"github.com/shopspring/decimal"

	"github.com/astromechza/potsync/pkg/potdoc"
)

// Label summarises the pot as it was right after a change.
func Label(c potdoc.Change, at potdoc.PlainPot) string {
	total := decimal.Zero
	for _, e := range at.Expenses {
		total = total.Add(e.Amount)
	}
	actor := c.Actor
	if len(actor) > 8 {
		actor = actor[:8]
	}
	return fmt.Sprintf("%s %s@%d %q members=%d expenses=%d total=%s",
		c.Hash[:8], actor, c.Seq, c.Message, len(at.Members), len(at.Expenses), total.StringFixed(2))
}

func RenderDocToSvg(doc *potdoc.Document, outputPath string) error {
	var buff bytes.Buffer
	if err := Render(doc, graphviz.SVG, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func Render(doc *potdoc.Document, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := potdoc.ExtractChanges(doc)
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		docAt, err := doc.At(change.Hash)
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash, err)
		}

		n, err := graph.CreateNode(change.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(Label(change, docAt.ToPlain()))
		nodeMap[n.Name()] = n

		for _, hash := range change.Deps {
			parent, ok := nodeMap[hash]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.FormatUint(atomic.AddUint64(&edgeCounter, 1), 10), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// Dot writes the change graph in graphviz dot syntax without needing the graphviz renderer.
func Dot(doc *potdoc.Document, w io.Writer) error {
	changes, err := potdoc.ExtractChanges(doc)
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	if _, err := fmt.Fprintln(w, `digraph "log" {`); err != nil {
		return err
	}
	for _, change := range changes {
		docAt, err := doc.At(change.Hash)
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash, err)
		}
		fmt.Fprintf(w, "    %q [label=%q]\n", change.Hash, Label(change, docAt.ToPlain()))
		for _, hash := range change.Deps {
			fmt.Fprintf(w, "    %q -> %q\n", hash, change.Hash)
		}
	}
	_, err = fmt.Fprintln(w, "}")
	return err
}

func RenderToTemp(doc *potdoc.Document) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderDocToSvg(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}
