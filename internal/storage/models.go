package storage

import "time"

type ExpectationRecord struct {
	ID            string
	ConfigID      string
	ObjectID      string
	Type          string
	TargetColumn  string
	Grain         string
	Priority      string
	Enabled       bool
	ThresholdJSON []byte
	SourceJSON    []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ChannelRecord struct {
	ID         string
	Name       string
	Type       string
	ConfigJSON []byte
	CreatedAt  time.Time
}

type RuleRecord struct {
	ID             string
	Name           string
	EventType      string
	ConditionsJSON []byte
	ChannelRef     string
	Template       string
	Enabled        bool
	CreatedAt      time.Time
}

// NotificationRecord is one immutable delivery audit row: the terminal
// outcome of a dispatch, never a per-retry trace.
type NotificationRecord struct {
	ID          string
	RuleID      string
	ChannelID   string
	EventType   string
	PayloadJSON []byte
	Outcome     string
	Error       string
	CreatedAt   time.Time
}
