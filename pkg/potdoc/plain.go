package potdoc

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PotType string

const (
	PotTypeExpense PotType = "expense"
	PotTypeSavings PotType = "savings"
)

type Mode string

const (
	ModeCasual    Mode = "casual"
	ModeAuditable Mode = "auditable"
)

// Role is the stored member role. The plain projection renders it as DisplayRole.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

type DisplayRole string

const (
	DisplayOwner  DisplayRole = "Owner"
	DisplayMember DisplayRole = "Member"
)

func (r Role) Display() DisplayRole {
	if r == RoleOwner {
		return DisplayOwner
	}
	return DisplayMember
}

// ParseRole accepts both the stored and the display spelling.
func ParseRole(s string) Role {
	if strings.EqualFold(s, string(RoleOwner)) {
		return RoleOwner
	}
	return RoleMember
}

type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberPending MemberStatus = "pending"
	MemberRemoved MemberStatus = "removed"
)

func (s MemberStatus) valid() bool {
	switch s {
	case MemberActive, MemberPending, MemberRemoved:
		return true
	}
	return false
}

// PlainPot is the caller-facing value of a pot.
type PlainPot struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Type          PotType          `json:"potType"`
	BaseCurrency  string           `json:"baseCurrency"`
	Members       []PlainMember    `json:"members"`
	Expenses      []PlainExpense   `json:"expenses"`
	BudgetEnabled bool             `json:"budgetEnabled"`
	Budget        *decimal.Decimal `json:"budget,omitempty"`
	Mode          Mode             `json:"mode"`
	CreatedAt     time.Time        `json:"createdAt"`
	CreatedBy     string           `json:"createdBy"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	Archived      bool             `json:"archived"`
	ArchivedAt    *time.Time       `json:"archivedAt,omitempty"`
}

type PlainMember struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Address  *string      `json:"address,omitempty"`
	Role     DisplayRole  `json:"role"`
	Status   MemberStatus `json:"status"`
	JoinedAt time.Time    `json:"joinedAt"`
}

type PlainExpense struct {
	ID           string          `json:"id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	PaidBy       string          `json:"paidBy"`
	Memo         string          `json:"memo"`
	Date         time.Time       `json:"date"`
	CreatedAt    time.Time       `json:"createdAt"`
	CreatedBy    string          `json:"createdBy"`
	Split        []Split         `json:"split,omitempty"`
	Attestations []Attestation   `json:"attestations,omitempty"`
	ReceiptCID   string          `json:"receiptCid,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type Split struct {
	MemberID string          `json:"memberId"`
	Amount   decimal.Decimal `json:"amount"`
}

type Attestation struct {
	MemberID    string    `json:"memberId"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// Member returns the member with the given id.
func (p PlainPot) Member(id string) (PlainMember, bool) {
	for _, m := range p.Members {
		if m.ID == id {
			return m, true
		}
	}
	return PlainMember{}, false
}

// Expense returns the live expense with the given id.
func (p PlainPot) Expense(id string) (PlainExpense, bool) {
	for _, e := range p.Expenses {
		if e.ID == id {
			return e, true
		}
	}
	return PlainExpense{}, false
}

// MemberPatch lists the member fields to overwrite. Nil fields are left alone.
type MemberPatch struct {
	Name         *string
	Address      *string
	ClearAddress bool
	Role         *Role
	Status       *MemberStatus
}

// ExpensePatch lists the expense fields to overwrite. Nil fields are left alone.
type ExpensePatch struct {
	Amount       *decimal.Decimal
	Currency     *string
	PaidBy       *string
	Memo         *string
	Date         *time.Time
	Split        *[]Split
	Attestations *[]Attestation
	ReceiptCID   *string
}

// MetadataPatch lists the pot-level fields to overwrite. Nil fields are left alone.
type MetadataPatch struct {
	Name          *string
	BaseCurrency  *string
	BudgetEnabled *bool
	Budget        *decimal.Decimal
	ClearBudget   bool
	Mode          *Mode
	Archived      *bool
}
