// Package authz decides which party of an order may perform which action.
//
// Every command handler consults the same capability table, so the rules
// live in exactly one place:
//
//	ship            seller
//	confirm         buyer
//	dispute         buyer
//	release         buyer, operator
//	refund          operator
//	view            buyer, seller, operator
//	pay             buyer
package authz

import (
	"errors"
	"fmt"
)

// ErrForbidden is returned when the actor lacks the capability for an action.
var ErrForbidden = errors.New("forbidden")

// Action names an order command subject to authorization.
type Action string

const (
	ActionShip    Action = "ship"
	ActionConfirm Action = "confirm"
	ActionDispute Action = "dispute"
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionView    Action = "view"
	ActionPay     Action = "pay"
)

// Relation is how an actor relates to a given order.
type Relation string

const (
	RelationBuyer    Relation = "buyer"
	RelationSeller   Relation = "seller"
	RelationOperator Relation = "operator"
)

var capabilities = map[Action][]Relation{
	ActionShip:    {RelationSeller},
	ActionConfirm: {RelationBuyer},
	ActionDispute: {RelationBuyer},
	ActionRelease: {RelationBuyer, RelationOperator},
	ActionRefund:  {RelationOperator},
	ActionView:    {RelationBuyer, RelationSeller, RelationOperator},
	ActionPay:     {RelationBuyer},
}

// Actor is the authenticated caller.
type Actor struct {
	ID       string `json:"id"`
	Operator bool   `json:"operator"`
}

// Parties identifies the two sides of an order.
type Parties struct {
	BuyerID  string
	SellerID string
}

// Relations returns every relation the actor holds towards the parties.
func Relations(actor Actor, p Parties) []Relation {
	var rels []Relation
	if actor.ID != "" && actor.ID == p.BuyerID {
		rels = append(rels, RelationBuyer)
	}
	if actor.ID != "" && actor.ID == p.SellerID {
		rels = append(rels, RelationSeller)
	}
	if actor.Operator {
		rels = append(rels, RelationOperator)
	}
	return rels
}

// Allowed reports whether actor may perform action on an order between parties.
func Allowed(actor Actor, action Action, p Parties) bool {
	allowed, ok := capabilities[action]
	if !ok {
		return false
	}
	for _, have := range Relations(actor, p) {
		for _, want := range allowed {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Check returns an error wrapping ErrForbidden when the actor may not
// perform the action.
func Check(actor Actor, action Action, p Parties) error {
	if Allowed(actor, action, p) {
		return nil
	}
	return fmt.Errorf("%w: %s not permitted", ErrForbidden, action)
}
