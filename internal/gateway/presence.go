package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var presenceValidate = validator.New()

// ActivityType mirrors the small subset of Discord's activity type
// enum the presence builder needs to validate.
type ActivityType int

const (
	ActivityGame      ActivityType = 0
	ActivityStreaming ActivityType = 1
	ActivityListening ActivityType = 2
	ActivityWatching  ActivityType = 3
	ActivityCustom    ActivityType = 4
	ActivityCompeting ActivityType = 5
)

// Activity is one entry of an outbound presence update.
type Activity struct {
	Name string       `json:"name" validate:"required,min=1,max=128"`
	Type ActivityType `json:"type" validate:"gte=0,lte=5"`
	URL  string       `json:"url,omitempty" validate:"omitempty,url"`
}

// PresenceStatus is the coarse online status carried by a presence
// update.
type PresenceStatus string

const (
	StatusOnline    PresenceStatus = "online"
	StatusIdle      PresenceStatus = "idle"
	StatusDND       PresenceStatus = "dnd"
	StatusInvisible PresenceStatus = "invisible"
)

// Presence is the outbound payload sent on an op=3 presence update.
type Presence struct {
	Since      *int64         `json:"since"`
	Activities []Activity     `json:"activities" validate:"dive"`
	Status     PresenceStatus `json:"status" validate:"required,oneof=online idle dnd invisible"`
	AFK        bool           `json:"afk"`
}

// NewPresence builds a Presence and validates it before returning —
// callers never get a payload that would be rejected by the schema
// the gateway enforces for op=3.
func NewPresence(status PresenceStatus, afk bool, activities ...Activity) (*Presence, error) {
	p := &Presence{
		Activities: activities,
		Status:     status,
		AFK:        afk,
	}
	if err := presenceValidate.Struct(p); err != nil {
		return nil, fmt.Errorf("gateway: invalid presence: %w", err)
	}
	return p, nil
}

// Frame builds the op=3 dispatch frame carrying this presence.
func (p *Presence) Frame() (Frame, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Frame{}, fmt.Errorf("gateway: marshal presence: %w", err)
	}
	return Frame{Op: opPresenceUpdate, D: data}, nil
}

const opPresenceUpdate Opcode = 3

// SendPresence validates and transmits a presence update over conn.
func (c *Connection) SendPresence(p *Presence) error {
	if err := presenceValidate.Struct(p); err != nil {
		return fmt.Errorf("gateway: invalid presence: %w", err)
	}
	if err := c.waitForAvailability(opPresenceUpdate); err != nil {
		return err
	}
	frame, err := p.Frame()
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}
