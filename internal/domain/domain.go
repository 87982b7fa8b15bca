package domain

// PropertyStatus is the lifecycle state of a property.
type PropertyStatus string

const (
	PropertyActive   PropertyStatus = "Active"
	PropertyInactive PropertyStatus = "Inactive"
	PropertyRemoved  PropertyStatus = "Removed"
)

// Valid reports whether s is one of the known property statuses.
func (s PropertyStatus) Valid() bool {
	switch s {
	case PropertyActive, PropertyInactive, PropertyRemoved:
		return true
	}
	return false
}

// ActivityStatus is the lifecycle state of an activity. Cancelled is
// terminal; a cancelled activity is never mutated again.
type ActivityStatus string

const (
	ActivityActive    ActivityStatus = "Active"
	ActivityCancelled ActivityStatus = "cancelled"
)

func (s ActivityStatus) Valid() bool {
	return s == ActivityActive || s == ActivityCancelled
}

// Condition is the temporal state of an activity, snapshotted at the write
// that set the schedule. It is not recomputed on read.
type Condition string

const (
	ConditionPending Condition = "Pending"
	ConditionOverdue Condition = "Overdue"
)

func (c Condition) Valid() bool {
	return c == ConditionPending || c == ConditionOverdue
}

type Property struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Address     string         `json:"address"`
	Description string         `json:"description,omitempty"`
	Status      PropertyStatus `json:"status" enum:"Active,Inactive,Removed"`
	DisabledAt  *string        `json:"disabled_at,omitempty" format:"date-time"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type Activity struct {
	ID         string         `json:"id"`
	PropertyID string         `json:"property_id"`
	Title      string         `json:"title"`
	Schedule   string         `json:"schedule" format:"date-time"`
	Status     ActivityStatus `json:"status" enum:"Active,cancelled"`
	Condition  Condition      `json:"condition" enum:"Pending,Overdue"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type Survey struct {
	ID         string         `json:"id"`
	ActivityID string         `json:"activity_id"`
	Answers    map[string]any `json:"answers"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
