package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/airquality-pipeline/internal/database"
)

// SummaryMessage is the Kafka payload for a committed summary
type SummaryMessage struct {
	Type        string    `json:"type"`
	SummaryID   uuid.UUID `json:"summary_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	AvgAQI      float64   `json:"avg_aqi"`
	MaxPM25     float64   `json:"max_pm25"`
	MinO3       float64   `json:"min_o3"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

const MessageTypeSummary = "AIR_QUALITY_SUMMARY"

// NewSummaryMessage builds the message for rec
func NewSummaryMessage(rec *database.SummaryRecord) *SummaryMessage {
	return &SummaryMessage{
		Type:        MessageTypeSummary,
		SummaryID:   rec.ID,
		WindowStart: rec.WindowStart,
		WindowEnd:   rec.WindowEnd,
		AvgAQI:      rec.AvgAQI,
		MaxPM25:     rec.MaxPM25,
		MinO3:       rec.MinO3,
		RecordCount: rec.RecordCount,
		CreatedAt:   rec.CreatedAt,
	}
}

// EncodeSummaryMessage encodes a SummaryMessage to JSON
func EncodeSummaryMessage(msg *SummaryMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeSummaryMessage decodes JSON to SummaryMessage
func DecodeSummaryMessage(data []byte) (*SummaryMessage, error) {
	var msg SummaryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeSummary {
		return nil, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	return &msg, nil
}
