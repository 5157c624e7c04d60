package models

import "time"

// KillSwitchSingletonID is the fixed primary key of the one KillSwitch row;
// the table is a persisted process-wide flag, not a per-tenant setting.
const KillSwitchSingletonID = "global"

// KillSwitch is the persisted global kill-switch state (§4.9): when
// Active, all campaign start and resume operations are blocked regardless
// of tenant.
type KillSwitch struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Active    bool      `gorm:"not null;default:false" json:"active"`
	Reason    string    `json:"reason,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
