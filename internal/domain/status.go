package domain

import (
	"fmt"
	"strings"
)

// TaskStatus is a lifecycle phase. Phases are totally ordered.
type TaskStatus string

const (
	StatusSearching TaskStatus = "SEARCHING"
	StatusAssigned  TaskStatus = "ASSIGNED"
	StatusArrived   TaskStatus = "ARRIVED"
	StatusStarted   TaskStatus = "STARTED"
	StatusCompleted TaskStatus = "COMPLETED"
)

var statusOrder = []TaskStatus{StatusSearching, StatusAssigned, StatusArrived, StatusStarted, StatusCompleted}

func ParseStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if st.Rank() < 0 {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// Rank is the position of the status in the lifecycle, or -1 if unknown.
func (s TaskStatus) Rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the only status a task may move to from s.
func (s TaskStatus) Next() (TaskStatus, bool) {
	r := s.Rank()
	if r < 0 || r == len(statusOrder)-1 {
		return "", false
	}
	return statusOrder[r+1], true
}

// Before reports whether s comes strictly earlier than other.
func (s TaskStatus) Before(other TaskStatus) bool {
	return s.Rank() < other.Rank()
}

func (s TaskStatus) Terminal() bool { return s == StatusCompleted }
