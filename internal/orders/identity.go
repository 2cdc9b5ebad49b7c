package orders

import "strings"

// Identity is who places an order. Only Authenticated and Guest implement it.
type Identity interface {
	isIdentity()
	Owner() string
}

type Authenticated struct {
	UserID string
}

func (Authenticated) isIdentity()      {}
func (a Authenticated) Owner() string { return a.UserID }

// Guest orders carry their own contact and always ship to an inline address.
type Guest struct {
	Contact GuestContact
	Address Address
}

func (Guest) isIdentity() {}

// Owner is keyed by email so idempotency keys stay scoped per guest.
func (g Guest) Owner() string { return "guest:" + strings.ToLower(strings.TrimSpace(g.Contact.Email)) }

func validateIdentity(id Identity) error {
	switch v := id.(type) {
	case Authenticated:
		if strings.TrimSpace(v.UserID) == "" {
			return validationf("user id required")
		}
	case Guest:
		if strings.TrimSpace(v.Contact.Email) == "" || !strings.Contains(v.Contact.Email, "@") {
			return validationf("guest email required")
		}
		if strings.TrimSpace(v.Contact.Name) == "" {
			return validationf("guest name required")
		}
	default:
		return validationf("identity required")
	}
	return nil
}

// ownsOrder reports whether the caller may act on o as its customer.
func ownsOrder(id Identity, o *Order) bool {
	switch v := id.(type) {
	case Authenticated:
		return v.UserID != "" && v.UserID == o.UserID
	case Guest:
		return o.Guest != nil && strings.EqualFold(strings.TrimSpace(v.Contact.Email), o.Guest.Email)
	}
	return false
}

func inlineAddressValid(a Address) bool {
	return strings.TrimSpace(a.FullName) != "" &&
		strings.TrimSpace(a.Line1) != "" &&
		strings.TrimSpace(a.City) != ""
}
