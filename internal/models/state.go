// Package models defines state management structures for AskPipe dialogues.
package models

import (
	"fmt"
	"time"
)

// StateType represents a state of the per-user dialogue machine.
type StateType string

// Dialogue states.
const (
	StateInitial            StateType = "INITIAL"
	StateMenuChoice         StateType = "MENU_CHOICE"
	StateQueryModeA         StateType = "QUERY_MODE_A"
	StateQueryModeB         StateType = "QUERY_MODE_B"
	StateConfirmation       StateType = "CONFIRMATION"
	StateSearchConfirmation StateType = "SEARCH_CONFIRMATION"
)

// IsValidState checks if the given state is one the dialogue machine knows.
func IsValidState(s StateType) bool {
	switch s {
	case StateInitial, StateMenuChoice, StateQueryModeA, StateQueryModeB, StateConfirmation, StateSearchConfirmation:
		return true
	default:
		return false
	}
}

// QueryMode selects which tool set the reasoning loop receives.
type QueryMode string

const (
	// QueryModeA searches the web.
	QueryModeA QueryMode = "A"
	// QueryModeB searches the product catalogue.
	QueryModeB QueryMode = "B"
)

// State returns the query state that corresponds to the mode.
func (m QueryMode) State() StateType {
	if m == QueryModeB {
		return StateQueryModeB
	}
	return StateQueryModeA
}

// ModeForState returns the query mode of a query state.
func ModeForState(s StateType) (QueryMode, error) {
	switch s {
	case StateQueryModeA:
		return QueryModeA, nil
	case StateQueryModeB:
		return QueryModeB, nil
	default:
		return "", fmt.Errorf("state %s is not a query state", s)
	}
}

// PendingInfo is the small payload a session remembers across exactly one transition.
type PendingInfo struct {
	Mode        QueryMode `json:"mode,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"` // follow-up questions offered after an answer
}

// Session is the dialogue state of one user.
type Session struct {
	UserID    string       `json:"user_id"`
	State     StateType    `json:"state"`
	Pending   *PendingInfo `json:"pending,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewSession creates a session in the initial state.
func NewSession(userID string) *Session {
	return &Session{UserID: userID, State: StateInitial, UpdatedAt: time.Now()}
}

// Transition moves the session to a new state, replacing its pending payload.
func (s *Session) Transition(to StateType, pending *PendingInfo) {
	s.State = to
	s.Pending = pending
	s.UpdatedAt = time.Now()
}

// PendingMode returns the remembered query mode, defaulting to mode A.
func (s *Session) PendingMode() QueryMode {
	if s.Pending == nil || s.Pending.Mode == "" {
		return QueryModeA
	}
	return s.Pending.Mode
}
