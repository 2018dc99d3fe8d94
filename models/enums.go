package models

import "errors"

type ItemType string

const (
	ItemTypePermanent  ItemType = "PERMANENT"
	ItemTypeConsumable ItemType = "CONSUMABLE"
)

func (t *ItemType) Parse(str string) error {
	switch str {
	case "PERMANENT":
		*t = ItemTypePermanent
	case "CONSUMABLE":
		*t = ItemTypeConsumable
	default:
		return errors.New("invalid item type")
	}
	return nil
}

type ReturnLineStatus string

const (
	ReturnLineStatusPending ReturnLineStatus = "PENDING"
	ReturnLineStatusOk      ReturnLineStatus = "OK"
	ReturnLineStatusDamaged ReturnLineStatus = "DAMAGED"
	ReturnLineStatusLost    ReturnLineStatus = "LOST"
)

// IsTerminal reports whether the line records a completed return. PENDING rows
// track quantity still out with the requester.
func (s ReturnLineStatus) IsTerminal() bool {
	return s == ReturnLineStatusOk || s == ReturnLineStatusDamaged || s == ReturnLineStatusLost
}

func (s *ReturnLineStatus) Parse(str string) error {
	switch str {
	case "OK":
		*s = ReturnLineStatusOk
	case "DAMAGED":
		*s = ReturnLineStatusDamaged
	case "LOST":
		*s = ReturnLineStatusLost
	default:
		return errors.New("invalid return line status")
	}
	return nil
}

type ClearanceStatus string

const (
	ClearanceStatusPending   ClearanceStatus = "PENDING"
	ClearanceStatusCompleted ClearanceStatus = "COMPLETED"
	// FAILED is reserved for manual intervention; no code path sets it today.
	ClearanceStatusFailed ClearanceStatus = "FAILED"
)
