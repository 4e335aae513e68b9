package models

import (
	"errors"
	"time"
)

// ErrInstanceNotFound is returned by provisioners when a VM does not exist.
var ErrInstanceNotFound = errors.New("instance not found")

// LifecycleEvent describes one committed phase change.
type LifecycleEvent struct {
	ServerID string          `json:"server_id"`
	From     Phase           `json:"from"`
	To       Phase           `json:"to"`
	Record   LifecycleRecord `json:"record"`
	At       time.Time       `json:"at"`
}
