package database

import (
	"time"

	"github.com/google/uuid"
)

// Reading is one synthetic air-quality sample from a station
type Reading struct {
	ID         int64
	StationID  string
	RecordedAt time.Time
	PM25       float64
	PM10       float64
	O3         float64
	AQI        int
}

// Operation is the kind of row change recorded by the change feed
type Operation string

const (
	OperationInsert Operation = "I"
	OperationUpdate Operation = "U"
	OperationDelete Operation = "D"
)

func (o Operation) String() string {
	switch o {
	case OperationInsert:
		return "insert"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	}
	return string(o)
}

// ChangeEvent is a change feed entry joined to the reading's current state
type ChangeEvent struct {
	Version   int64
	Operation Operation
	Reading   Reading
}

// SummaryRecord aggregates the readings seen by one sync pass
type SummaryRecord struct {
	ID          uuid.UUID
	WindowStart time.Time
	WindowEnd   time.Time
	AvgAQI      float64
	MaxPM25     float64
	MinO3       float64
	RecordCount int
	CreatedAt   time.Time
}
