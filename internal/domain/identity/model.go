package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient link types.
const (
	LinkReplacedBy = "replaced-by"
	LinkSplitFrom  = "split-from"
)

// Patient maps to the patient table together with its names, addresses and
// identifiers.
type Patient struct {
	ID          int64               `json:"id"`
	UUID        uuid.UUID           `json:"uuid"`
	Names       []PersonName        `json:"names"`
	Identifiers []PatientIdentifier `json:"identifiers"`
	Gender      string              `json:"gender,omitempty"`
	BirthDate   *time.Time          `json:"birth_date,omitempty"`
	Addresses   []Address           `json:"addresses,omitempty"`
	Voided      bool                `json:"voided"`
	VoidReason  *string             `json:"void_reason,omitempty"`
	VoidedAt    *time.Time          `json:"voided_at,omitempty"`
	VoidedBy    *int64              `json:"voided_by,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// PersonName maps to the person_name table.
type PersonName struct {
	ID        int64  `json:"id,omitempty"`
	Given     string `json:"given,omitempty"`
	Middle    string `json:"middle,omitempty"`
	Family    string `json:"family,omitempty"`
	Preferred bool   `json:"preferred"`
}

// FullName joins the non-blank name parts with single spaces.
func (n PersonName) FullName() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{n.Given, n.Middle, n.Family} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Blank reports whether the name has neither a given nor a family part.
func (n PersonName) Blank() bool {
	return strings.TrimSpace(n.Given) == "" && strings.TrimSpace(n.Family) == ""
}

// Address maps to the patient_address table.
type Address struct {
	ID         int64  `json:"id,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Preferred  bool   `json:"preferred"`
}

// PatientIdentifier maps to the patient_identifier table.
type PatientIdentifier struct {
	ID         int64  `json:"id,omitempty"`
	PatientID  int64  `json:"patient_id,omitempty"`
	Type       string `json:"type"`
	Value      string `json:"value"`
	LocationID *int64 `json:"location_id,omitempty"`
	Preferred  bool   `json:"preferred"`
}

// IdentifierKey is the dedup key for identifiers: two identifiers with the
// same type and value name the same patient in the same scheme.
type IdentifierKey struct {
	Type  string
	Value string
}

func (i PatientIdentifier) Key() IdentifierKey {
	return IdentifierKey{Type: i.Type, Value: i.Value}
}

// IdentifierType maps to the patient_identifier_type table.
type IdentifierType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PatientLink maps to the patient_link table. For replaced-by, PatientID is
// the voided merge source and LinkedPatientID the survivor; for split-from,
// PatientID is the new identity and LinkedPatientID the original.
type PatientLink struct {
	ID              int64     `json:"id"`
	PatientID       int64     `json:"patient_id"`
	LinkedPatientID int64     `json:"linked_patient_id"`
	LinkType        string    `json:"link_type"`
	Reason          *string   `json:"reason,omitempty"`
	CreatedBy       int64     `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// PreferredName returns the preferred name, else the first, else nil.
func (p *Patient) PreferredName() *PersonName {
	for i := range p.Names {
		if p.Names[i].Preferred {
			return &p.Names[i]
		}
	}
	if len(p.Names) > 0 {
		return &p.Names[0]
	}
	return nil
}

// PreferredIdentifier returns the preferred identifier, else the first, else nil.
func (p *Patient) PreferredIdentifier() *PatientIdentifier {
	for i := range p.Identifiers {
		if p.Identifiers[i].Preferred {
			return &p.Identifiers[i]
		}
	}
	if len(p.Identifiers) > 0 {
		return &p.Identifiers[0]
	}
	return nil
}

// HasIdentifier reports whether the patient carries an identifier with key k.
func (p *Patient) HasIdentifier(k IdentifierKey) bool {
	for _, id := range p.Identifiers {
		if id.Key() == k {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p *Patient) Clone() *Patient {
	c := *p
	c.Names = append([]PersonName(nil), p.Names...)
	c.Identifiers = append([]PatientIdentifier(nil), p.Identifiers...)
	c.Addresses = append([]Address(nil), p.Addresses...)
	if p.BirthDate != nil {
		bd := *p.BirthDate
		c.BirthDate = &bd
	}
	if p.VoidReason != nil {
		r := *p.VoidReason
		c.VoidReason = &r
	}
	if p.VoidedAt != nil {
		at := *p.VoidedAt
		c.VoidedAt = &at
	}
	if p.VoidedBy != nil {
		by := *p.VoidedBy
		c.VoidedBy = &by
	}
	for i := range c.Identifiers {
		if loc := c.Identifiers[i].LocationID; loc != nil {
			l := *loc
			c.Identifiers[i].LocationID = &l
		}
	}
	return &c
}
