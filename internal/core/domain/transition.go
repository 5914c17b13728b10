package domain

import (
	"fmt"
	"strings"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionPickup  Action = "pickup"
	ActionReturn  Action = "return"
	ActionRelease Action = "release"
	ActionUndo    Action = "undo"
)

// Actions lists every workflow action.
var Actions = []Action{ActionApprove, ActionReject, ActionPickup, ActionReturn, ActionRelease, ActionUndo}

// Statuses lists every request status.
var Statuses = []Status{StatusPending, StatusApproved, StatusPickedUp, StatusReturned, StatusReleased, StatusRejected}

// Kinds lists every request kind.
var Kinds = []Kind{KindEquipment, KindDocument, KindIDApplication}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", NewValidationError("action", fmt.Sprintf("unknown action %q", s))
}

// Effect is the inventory consequence of a transition.
type Effect int

const (
	EffectNone Effect = iota
	EffectReserve
	EffectRelease
)

func (e Effect) String() string {
	switch e {
	case EffectReserve:
		return "reserve"
	case EffectRelease:
		return "release"
	}
	return "none"
}

// Transition is a resolved edge of the workflow graph.
type Transition struct {
	Action Action
	From   Status
	To     Status
	Effect Effect
}

type edge struct {
	from   Status
	action Action
}

var equipmentEdges = map[edge]Status{
	{StatusPending, ActionApprove}: StatusApproved,
	{StatusPending, ActionReject}:  StatusRejected,
	{StatusApproved, ActionPickup}: StatusPickedUp,
	{StatusPickedUp, ActionReturn}: StatusReturned,
	{StatusApproved, ActionUndo}:   StatusPending,
	{StatusPickedUp, ActionUndo}:   StatusApproved,
	{StatusReturned, ActionUndo}:   StatusPickedUp,
	{StatusRejected, ActionUndo}:   StatusPending,
}

// Document requests and ID applications share one graph.
var paperworkEdges = map[edge]Status{
	{StatusPending, ActionApprove}:  StatusApproved,
	{StatusPending, ActionReject}:   StatusRejected,
	{StatusApproved, ActionRelease}: StatusReleased,
	{StatusApproved, ActionUndo}:    StatusPending,
	{StatusReleased, ActionUndo}:    StatusApproved,
	{StatusRejected, ActionUndo}:    StatusPending,
}

func edgesFor(k Kind) map[edge]Status {
	switch k {
	case KindEquipment:
		return equipmentEdges
	case KindDocument, KindIDApplication:
		return paperworkEdges
	}
	return nil
}

// Resolve looks up the transition for action on a request of kind k in
// status from. It returns a *TransitionError when the edge does not exist.
func Resolve(k Kind, from Status, action Action) (Transition, error) {
	to, ok := edgesFor(k)[edge{from, action}]
	if !ok {
		return Transition{}, &TransitionError{Kind: k, Action: action, Status: from}
	}
	return Transition{
		Action: action,
		From:   from,
		To:     to,
		Effect: effectBetween(k, from, to),
	}, nil
}

// The effect is derived from the holding rule so forward and undo edges are
// symmetric by construction.
func effectBetween(k Kind, from, to Status) Effect {
	if !k.HasStock() {
		return EffectNone
	}
	switch {
	case !from.HoldsStock() && to.HoldsStock():
		return EffectReserve
	case from.HoldsStock() && !to.HoldsStock():
		return EffectRelease
	}
	return EffectNone
}
