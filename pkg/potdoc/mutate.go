package potdoc

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

func ensureMap(root *automerge.Map, key string) (*automerge.Map, error) {
	if m := getMap(root, key); m != nil {
		return m, nil
	}
	if err := root.Set(key, map[string]any{}); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", key, err)
	}
	if m := getMap(root, key); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("failed to create %s", key)
}

func setAll(m *automerge.Map, kv map[string]any) error {
	for k, v := range kv {
		if err := m.Set(k, v); err != nil {
			return fmt.Errorf("failed to set %s: %w", k, err)
		}
	}
	return nil
}

// AddMember inserts a member. A previously removed member with the same id is reactivated
// in place so its history stays on the same map.
func (d *Document) AddMember(m PlainMember) (*Document, error) {
	if m.ID == "" {
		return nil, ErrMissingID
	}
	if m.Status != "" && !m.Status.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, m.Status)
	}
	return d.edit("add member "+m.ID, func(root *automerge.Map, now time.Time) error {
		members, err := ensureMap(root, keyMembers)
		if err != nil {
			return err
		}
		role := ParseRole(string(m.Role))
		if existing := getMap(members, m.ID); existing != nil {
			if MemberStatus(getStr(existing, keyStatus)) != MemberRemoved {
				return ErrMemberExists
			}
			return setAll(existing, map[string]any{
				keyName:    m.Name,
				keyAddress: optString(m.Address),
				keyRole:    string(role),
				keyStatus:  string(MemberActive),
			})
		}
		if m.Status == "" {
			m.Status = MemberActive
		}
		if m.JoinedAt.IsZero() {
			m.JoinedAt = now
		}
		m.JoinedAt = m.JoinedAt.UTC().Truncate(time.Millisecond)
		return members.Set(m.ID, memberValue(m, role))
	})
}

// UpdateMember overwrites the patched fields. Roles are stored in their canonical spelling.
func (d *Document) UpdateMember(id string, patch MemberPatch) (*Document, error) {
	if patch.Status != nil && !patch.Status.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *patch.Status)
	}
	return d.edit("update member "+id, func(root *automerge.Map, now time.Time) error {
		m := getMap(getMap(root, keyMembers), id)
		if m == nil {
			return ErrMemberNotFound
		}
		kv := map[string]any{}
		if patch.Name != nil {
			kv[keyName] = *patch.Name
		}
		if patch.ClearAddress {
			kv[keyAddress] = nil
		} else if patch.Address != nil {
			kv[keyAddress] = *patch.Address
		}
		if patch.Role != nil {
			kv[keyRole] = string(ParseRole(string(*patch.Role)))
		}
		if patch.Status != nil {
			kv[keyStatus] = string(*patch.Status)
		}
		return setAll(m, kv)
	})
}

// RemoveMember flips the member to removed. Members are never deleted from the map.
func (d *Document) RemoveMember(id string) (*Document, error) {
	return d.edit("remove member "+id, func(root *automerge.Map, now time.Time) error {
		m := getMap(getMap(root, keyMembers), id)
		if m == nil {
			return ErrMemberNotFound
		}
		return m.Set(keyStatus, string(MemberRemoved))
	})
}

// AddExpense inserts an expense. Ids are never reused, including ids of deleted expenses.
func (d *Document) AddExpense(e PlainExpense) (*Document, error) {
	if e.ID == "" {
		return nil, ErrMissingID
	}
	if e.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	return d.edit("add expense "+e.ID, func(root *automerge.Map, now time.Time) error {
		expenses, err := ensureMap(root, keyExpenses)
		if err != nil {
			return err
		}
		if getMap(expenses, e.ID) != nil {
			return ErrExpenseExists
		}
		return expenses.Set(e.ID, expenseValue(normalizeExpense(e, getStr(root, keyBaseCurrency), getStr(root, keyCreatedBy), now)))
	})
}

func (d *Document) UpdateExpense(id string, patch ExpensePatch) (*Document, error) {
	if patch.Amount != nil && patch.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	return d.edit("update expense "+id, func(root *automerge.Map, now time.Time) error {
		e, err := liveExpense(root, id)
		if err != nil {
			return err
		}
		kv := map[string]any{keyUpdatedAt: now}
		if patch.Amount != nil {
			kv[keyAmount] = patch.Amount.String()
		}
		if patch.Currency != nil {
			kv[keyCurrency] = *patch.Currency
		}
		if patch.PaidBy != nil {
			kv[keyPaidBy] = *patch.PaidBy
		}
		if patch.Memo != nil {
			kv[keyMemo] = *patch.Memo
		}
		if patch.Date != nil {
			kv[keyDate] = patch.Date.UTC().Truncate(time.Millisecond)
		}
		if patch.Split != nil {
			kv[keySplit] = splitValue(*patch.Split)
		}
		if patch.Attestations != nil {
			kv[keyAttestations] = attestationValue(*patch.Attestations)
		}
		if patch.ReceiptCID != nil {
			kv[keyReceiptCID] = *patch.ReceiptCID
		}
		return setAll(e, kv)
	})
}

// DeleteExpense tombstones the expense by setting deletedAt.
func (d *Document) DeleteExpense(id string) (*Document, error) {
	return d.edit("delete expense "+id, func(root *automerge.Map, now time.Time) error {
		e, err := liveExpense(root, id)
		if err != nil {
			return err
		}
		return setAll(e, map[string]any{
			keyDeletedAt: now,
			keyUpdatedAt: now,
		})
	})
}

func (d *Document) UpdateMetadata(patch MetadataPatch) (*Document, error) {
	if patch.Budget != nil && patch.Budget.IsNegative() {
		return nil, ErrInvalidAmount
	}
	return d.edit("update metadata", func(root *automerge.Map, now time.Time) error {
		kv := map[string]any{}
		if patch.Name != nil {
			kv[keyName] = *patch.Name
		}
		if patch.BaseCurrency != nil {
			kv[keyBaseCurrency] = *patch.BaseCurrency
		}
		if patch.BudgetEnabled != nil {
			kv[keyBudgetEnabled] = *patch.BudgetEnabled
		}
		if patch.ClearBudget {
			kv[keyBudget] = nil
		} else if patch.Budget != nil {
			kv[keyBudget] = patch.Budget.String()
		}
		if patch.Mode != nil {
			kv[keyMode] = string(*patch.Mode)
		}
		if patch.Archived != nil {
			kv[keyArchived] = *patch.Archived
			if *patch.Archived {
				kv[keyArchivedAt] = now
			} else {
				kv[keyArchivedAt] = nil
			}
		}
		return setAll(root, kv)
	})
}

func liveExpense(root *automerge.Map, id string) (*automerge.Map, error) {
	e := getMap(getMap(root, keyExpenses), id)
	if e == nil {
		return nil, ErrExpenseNotFound
	}
	if getTimePtr(e, keyDeletedAt) != nil {
		return nil, ErrExpenseDeleted
	}
	return e, nil
}
