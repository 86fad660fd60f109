package potdoc

import (
	"fmt"
	"sort"
	"time"

	"github.com/automerge/automerge-go"
)

// FromPlain builds a fresh document from a plain pot. The whole pot is written as one change.
func FromPlain(p PlainPot, actorID string, opts ...Option) (*Document, error) {
	if p.ID == "" {
		return nil, ErrMissingID
	}
	d, err := Empty(actorID, opts...)
	if err != nil {
		return nil, err
	}
	now := d.now()

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	createdBy := inferCreator(p)

	members := make(map[string]any, len(p.Members))
	for _, m := range p.Members {
		if m.ID == "" {
			return nil, ErrMissingID
		}
		if m.Status == "" {
			m.Status = MemberActive
		}
		if m.JoinedAt.IsZero() {
			m.JoinedAt = createdAt
		}
		m.JoinedAt = m.JoinedAt.UTC().Truncate(time.Millisecond)
		members[m.ID] = memberValue(m, ParseRole(string(m.Role)))
	}

	expenses := make(map[string]any, len(p.Expenses))
	for _, e := range p.Expenses {
		if e.ID == "" {
			return nil, ErrMissingID
		}
		if e.Amount.IsNegative() {
			return nil, fmt.Errorf("expense %s: %w", e.ID, ErrInvalidAmount)
		}
		expenses[e.ID] = expenseValue(normalizeExpense(e, p.BaseCurrency, createdBy, now))
	}

	potType := p.Type
	if potType == "" {
		potType = PotTypeExpense
	}
	mode := p.Mode
	if mode == "" {
		mode = ModeCasual
	}
	var archivedAt any
	if p.ArchivedAt != nil {
		archivedAt = p.ArchivedAt.UTC().Truncate(time.Millisecond)
	}

	root := d.am.RootMap()
	fields := []struct {
		key string
		val any
	}{
		{keyID, p.ID},
		{keyName, p.Name},
		{keyPotType, string(potType)},
		{keyBaseCurrency, p.BaseCurrency},
		{keyMembers, members},
		{keyExpenses, expenses},
		{keyBudgetEnabled, p.BudgetEnabled},
		{keyBudget, optDecimal(p.Budget)},
		{keyMode, string(mode)},
		{keyCreatedAt, createdAt.UTC().Truncate(time.Millisecond)},
		{keyCreatedBy, createdBy},
		{keyUpdatedAt, now},
		{keyArchived, p.Archived},
		{keyArchivedAt, archivedAt},
	}
	for _, f := range fields {
		if err := root.Set(f.key, f.val); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", f.key, err)
		}
	}
	if _, err := d.am.Commit("create pot "+p.ID, automerge.CommitOptions{Time: &now}); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return d, nil
}

// inferCreator picks the first owner, falling back to the first member.
func inferCreator(p PlainPot) string {
	for _, m := range p.Members {
		if ParseRole(string(m.Role)) == RoleOwner {
			return m.ID
		}
	}
	if len(p.Members) > 0 {
		return p.Members[0].ID
	}
	return p.CreatedBy
}

func normalizeExpense(e PlainExpense, baseCurrency, creator string, now time.Time) PlainExpense {
	if e.Currency == "" {
		e.Currency = baseCurrency
	}
	if e.CreatedBy == "" {
		e.CreatedBy = creator
	}
	if e.Date.IsZero() {
		e.Date = now
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Date = e.Date.UTC().Truncate(time.Millisecond)
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Millisecond)
	return e
}

// ToPlain projects the document into the caller-facing value. Tombstoned expenses are left out;
// removed members are kept with their status.
func (d *Document) ToPlain() PlainPot {
	root := d.am.RootMap()
	p := PlainPot{
		ID:            getStr(root, keyID),
		Name:          getStr(root, keyName),
		Type:          PotType(getStr(root, keyPotType)),
		BaseCurrency:  getStr(root, keyBaseCurrency),
		BudgetEnabled: getBool(root, keyBudgetEnabled),
		Budget:        getDecimalPtr(root, keyBudget),
		Mode:          Mode(getStr(root, keyMode)),
		CreatedAt:     getTime(root, keyCreatedAt),
		CreatedBy:     getStr(root, keyCreatedBy),
		UpdatedAt:     getTime(root, keyUpdatedAt),
		Archived:      getBool(root, keyArchived),
		ArchivedAt:    getTimePtr(root, keyArchivedAt),
		Members:       []PlainMember{},
		Expenses:      []PlainExpense{},
	}

	for id, m := range childMaps(getMap(root, keyMembers)) {
		p.Members = append(p.Members, PlainMember{
			ID:       id,
			Name:     getStr(m, keyName),
			Address:  getStrPtr(m, keyAddress),
			Role:     Role(getStr(m, keyRole)).Display(),
			Status:   MemberStatus(getStr(m, keyStatus)),
			JoinedAt: getTime(m, keyJoinedAt),
		})
	}
	sort.Slice(p.Members, func(i, j int) bool {
		a, b := p.Members[i], p.Members[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ID < b.ID
	})

	for id, e := range childMaps(getMap(root, keyExpenses)) {
		if getTimePtr(e, keyDeletedAt) != nil {
			continue
		}
		p.Expenses = append(p.Expenses, readExpense(id, e))
	}
	sort.Slice(p.Expenses, func(i, j int) bool {
		a, b := p.Expenses[i], p.Expenses[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return p
}

func readExpense(id string, e *automerge.Map) PlainExpense {
	out := PlainExpense{
		ID:         id,
		Amount:     getDecimal(e, keyAmount),
		Currency:   getStr(e, keyCurrency),
		PaidBy:     getStr(e, keyPaidBy),
		Memo:       getStr(e, keyMemo),
		Date:       getTime(e, keyDate),
		CreatedAt:  getTime(e, keyCreatedAt),
		CreatedBy:  getStr(e, keyCreatedBy),
		ReceiptCID: getStr(e, keyReceiptCID),
		UpdatedAt:  getTime(e, keyUpdatedAt),
	}
	for _, s := range getMapList(e, keySplit) {
		out.Split = append(out.Split, Split{MemberID: getStr(s, keyMemberID), Amount: getDecimal(s, keyAmount)})
	}
	for _, a := range getMapList(e, keyAttestations) {
		out.Attestations = append(out.Attestations, Attestation{MemberID: getStr(a, keyMemberID), ConfirmedAt: getTime(a, keyConfirmedAt)})
	}
	return out
}

// IsTombstoned reports whether the document holds a deleted expense with this id.
func (d *Document) IsTombstoned(expenseID string) bool {
	e := getMap(getMap(d.am.RootMap(), keyExpenses), expenseID)
	return e != nil && getTimePtr(e, keyDeletedAt) != nil
}
