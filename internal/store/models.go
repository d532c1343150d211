package store

import (
	"time"

	"eibdvis/internal/knx"
)

// GroupValue is the last telegram seen for a group address.
type GroupValue struct {
	Address knx.GroupAddress      `json:"address"`
	Source  knx.IndividualAddress `json:"source"`
	// Local is set when the value was written by this process rather than
	// observed on the bus.
	Local     bool      `json:"local,omitempty"`
	Command   string    `json:"command"`
	Raw       []byte    `json:"raw"`
	DPT       knx.DPT   `json:"dpt,omitempty"`
	Value     any       `json:"value,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
