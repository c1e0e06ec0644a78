package customer

import "fmt"

// Customer is the business aggregate whose lifecycle triggers outbox
// events. The aggregate keeps no reference to the outbox; the coupling
// lives entirely in the service layer.
type Customer struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (c Customer) String() string {
	return fmt.Sprintf("Customer{id=%s, email=%s, firstName=%s, lastName=%s}",
		c.ID, c.Email, c.FirstName, c.LastName)
}
