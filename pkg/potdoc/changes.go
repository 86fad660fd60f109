package potdoc

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

// Change is one serialized causal change together with the metadata needed to route it.
type Change struct {
	Hash    string
	Actor   string
	Seq     uint64
	Deps    []string
	Message string
	Time    time.Time
	Bytes   []byte
}

func newChange(c *automerge.Change) Change {
	deps := c.Dependencies()
	out := Change{
		Hash:    c.Hash().String(),
		Actor:   c.ActorID(),
		Seq:     c.ActorSeq(),
		Deps:    make([]string, len(deps)),
		Message: c.Message(),
		Time:    c.Timestamp().UTC(),
		Bytes:   c.Save(),
	}
	for i, dep := range deps {
		out.Deps[i] = dep.String()
	}
	return out
}

func convertChanges(chs []*automerge.Change) []Change {
	out := make([]Change, len(chs))
	for i, c := range chs {
		out[i] = newChange(c)
	}
	return out
}

// ExtractChanges returns the full history of the document relative to an empty document.
func ExtractChanges(d *Document) ([]Change, error) {
	chs, err := d.am.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	return convertChanges(chs), nil
}

// ChangesSince returns the changes in d that base does not have.
func (d *Document) ChangesSince(base *Document) ([]Change, error) {
	chs, err := d.am.Changes(base.am.Heads()...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	return convertChanges(chs), nil
}

// ChangesSinceHeads returns the changes in d that are not ancestors of heads.
func (d *Document) ChangesSinceHeads(heads []string) ([]Change, error) {
	hashes, err := ParseHeads(heads)
	if err != nil {
		return nil, err
	}
	chs, err := d.am.Changes(hashes...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	return convertChanges(chs), nil
}

// ApplyChanges merges serialized changes into a copy of d. Changes may come from any actor in
// any order and may repeat. A change whose dependencies are missing is queued inside the copy and
// applied once they arrive, so it does not show up in Has until then. Either every payload is
// loaded or d is returned untouched with a *DecodeError naming the payload that failed.
func ApplyChanges(d *Document, payloads ...[]byte) (*Document, error) {
	next, err := d.fork()
	if err != nil {
		return nil, err
	}
	for i, p := range payloads {
		if err := checkFraming(p); err != nil {
			return nil, &DecodeError{Index: i, Err: err}
		}
		if err := next.am.LoadIncremental(p); err != nil {
			return nil, &DecodeError{Index: i, Err: err}
		}
	}
	return next, nil
}

// Has reports whether the change with the given hash has been applied to d.
func (d *Document) Has(hash string) bool {
	h, err := automerge.NewChangeHash(hash)
	if err != nil {
		return false
	}
	_, err = d.am.Change(h)
	return err == nil
}

// Payloads extracts the serialized bytes of each change.
func Payloads(chs []Change) [][]byte {
	out := make([][]byte, len(chs))
	for i, c := range chs {
		out[i] = c.Bytes
	}
	return out
}
