// Package push defines the JSON frames sent over the location websocket.
package push

import (
	"time"

	"github.com/goccy/go-json"
	"nuha.dev/safezone/internal/geofence"
)

const (
	TypeLocationUpdate      = "location_update"
	TypeGuideLocationUpdate = "guide_location_update"
	TypeStatusChange        = "status_change"
	TypePing                = "ping"
	TypePong                = "pong"
)

const (
	ActionLeftZone             = "left_zone"
	ActionEnteredZone          = "entered_zone"
	ActionIncidentAcknowledged = "incident_acknowledged"
	ActionIncidentResolved     = "incident_resolved"
)

type LocationUpdate struct {
	Type         string          `json:"type"`
	EntityId     uint64          `json:"entity_id"`
	Name         string          `json:"name"`
	TrackingCode string          `json:"tracking_code,omitempty"`
	Latitude     float64         `json:"latitude"`
	Longitude    float64         `json:"longitude"`
	Status       geofence.Status `json:"status"`
	InsideFence  bool            `json:"inside_fence"`
	Distance     float64         `json:"distance_m"`
	Timestamp    time.Time       `json:"timestamp"`
}

type GuideLocationUpdate struct {
	Type      string    `json:"type"`
	GuideId   uint64    `json:"guide_id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusChange struct {
	Type       string          `json:"type"`
	EntityId   uint64          `json:"entity_id"`
	Action     string          `json:"action"`
	Status     geofence.Status `json:"status,omitempty"`
	IncidentId uint64          `json:"incident_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Control is a client frame, or the server reply to one.
type Control struct {
	Type string `json:"type"`
}

func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func DecodeControl(d []byte) (Control, error) {
	var c Control
	err := json.Unmarshal(d, &c)
	return c, err
}

// Kind reads only the type field of a frame.
func Kind(d []byte) string {
	c, err := DecodeControl(d)
	if err != nil {
		return ""
	}
	return c.Type
}
