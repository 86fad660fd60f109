package potdoc

import (
	"time"

	"github.com/automerge/automerge-go"
	"github.com/shopspring/decimal"
)

const (
	keyID            = "id"
	keyName          = "name"
	keyPotType       = "potType"
	keyBaseCurrency  = "baseCurrency"
	keyMembers       = "members"
	keyExpenses      = "expenses"
	keyBudgetEnabled = "budgetEnabled"
	keyBudget        = "budget"
	keyMode          = "mode"
	keyCreatedAt     = "createdAt"
	keyCreatedBy     = "createdBy"
	keyUpdatedAt     = "updatedAt"
	keyArchived      = "archived"
	keyArchivedAt    = "archivedAt"

	keyAddress  = "address"
	keyRole     = "role"
	keyStatus   = "status"
	keyJoinedAt = "joinedAt"

	keyAmount       = "amount"
	keyCurrency     = "currency"
	keyPaidBy       = "paidBy"
	keyMemo         = "memo"
	keyDate         = "date"
	keySplit        = "split"
	keyAttestations = "attestations"
	keyReceiptCID   = "receiptCid"
	keyDeletedAt    = "deletedAt"
	keyMemberID     = "memberId"
	keyConfirmedAt  = "confirmedAt"
)

func memberValue(m PlainMember, role Role) map[string]any {
	return map[string]any{
		keyID:       m.ID,
		keyName:     m.Name,
		keyAddress:  optString(m.Address),
		keyRole:     string(role),
		keyStatus:   string(m.Status),
		keyJoinedAt: m.JoinedAt,
	}
}

func expenseValue(e PlainExpense) map[string]any {
	return map[string]any{
		keyID:           e.ID,
		keyAmount:       e.Amount.String(),
		keyCurrency:     e.Currency,
		keyPaidBy:       e.PaidBy,
		keyMemo:         e.Memo,
		keyDate:         e.Date,
		keyCreatedAt:    e.CreatedAt,
		keyCreatedBy:    e.CreatedBy,
		keySplit:        splitValue(e.Split),
		keyAttestations: attestationValue(e.Attestations),
		keyReceiptCID:   e.ReceiptCID,
		keyUpdatedAt:    e.UpdatedAt,
		keyDeletedAt:    nil,
	}
}

func splitValue(split []Split) []any {
	out := make([]any, 0, len(split))
	for _, s := range split {
		out = append(out, map[string]any{
			keyMemberID: s.MemberID,
			keyAmount:   s.Amount.String(),
		})
	}
	return out
}

func attestationValue(atts []Attestation) []any {
	out := make([]any, 0, len(atts))
	for _, a := range atts {
		out = append(out, map[string]any{
			keyMemberID:    a.MemberID,
			keyConfirmedAt: a.ConfirmedAt.UTC().Truncate(time.Millisecond),
		})
	}
	return out
}

func optString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func optDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func value(m *automerge.Map, key string) *automerge.Value {
	if m == nil {
		return nil
	}
	v, err := m.Get(key)
	if err != nil {
		return nil
	}
	return v
}

func getStr(m *automerge.Map, key string) string {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

func getStrPtr(m *automerge.Map, key string) *string {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindStr {
		return nil
	}
	s := v.Str()
	return &s
}

func getBool(m *automerge.Map, key string) bool {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindBool {
		return false
	}
	return v.Bool()
}

func getTime(m *automerge.Map, key string) time.Time {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindTime {
		return time.Time{}
	}
	return v.Time().UTC()
}

func getTimePtr(m *automerge.Map, key string) *time.Time {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindTime {
		return nil
	}
	t := v.Time().UTC()
	return &t
}

func getDecimal(m *automerge.Map, key string) decimal.Decimal {
	d, err := decimal.NewFromString(getStr(m, key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func getDecimalPtr(m *automerge.Map, key string) *decimal.Decimal {
	s := getStrPtr(m, key)
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func getMap(m *automerge.Map, key string) *automerge.Map {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindMap {
		return nil
	}
	return v.Map()
}

func getMapList(m *automerge.Map, key string) []*automerge.Map {
	v := value(m, key)
	if v == nil || v.Kind() != automerge.KindList {
		return nil
	}
	items, err := v.List().Values()
	if err != nil {
		return nil
	}
	out := make([]*automerge.Map, 0, len(items))
	for _, item := range items {
		if item.Kind() == automerge.KindMap {
			out = append(out, item.Map())
		}
	}
	return out
}

func childMaps(m *automerge.Map) map[string]*automerge.Map {
	if m == nil {
		return nil
	}
	values, err := m.Values()
	if err != nil {
		return nil
	}
	out := make(map[string]*automerge.Map, len(values))
	for k, v := range values {
		if v.Kind() == automerge.KindMap {
			out[k] = v.Map()
		}
	}
	return out
}
