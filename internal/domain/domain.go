package domain

// Override is a persisted developer override for one flag.
type Override struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind" enum:"bool,int"`
	Value     string `json:"value"`
	ActorID   string `json:"actor_id"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// FlagView is a flag's metadata plus its resolved value.
type FlagView struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind" enum:"bool,int"`
	Channel      string `json:"channel" enum:"debug,release"`
	State        string `json:"state,omitempty" enum:"enabled,disabled,teamfood"`
	Description  string `json:"description"`
	Default      any    `json:"default"`
	Value        any    `json:"value"`
	Overridden   bool   `json:"overridden"`
	OverriddenBy string `json:"overridden_by,omitempty"`
	OverriddenAt string `json:"overridden_at,omitempty" format:"date-time"`
}

// Toggler reports whether the developer override surface is available.
type Toggler struct {
	Visible          bool `json:"visible"`
	DebugDevice      bool `json:"debug_device"`
	DeveloperOptions bool `json:"developer_options"`
	AllowRelease     bool `json:"allow_release"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"-"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}
