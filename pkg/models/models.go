package models

import "time"

// ── Settings ─────────────────────────────────────────────────

// ValidationType selects how a setting value is checked on update.
type ValidationType string

const (
	ValidationNone        ValidationType = "None"
	ValidationRegex       ValidationType = "Regex"
	ValidationValidValues ValidationType = "ValidValues"
)

// Setting is one declared, typed configuration entry of a client.
type Setting struct {
	Name                  string         `json:"name"`
	Description           string         `json:"description,omitempty"`
	ValueType             ValueType      `json:"value_type"`
	Value                 *Value         `json:"value,omitempty"`
	EncryptedValue        string         `json:"encrypted_value,omitempty"`
	DefaultValue          *Value         `json:"default_value,omitempty"`
	EncryptedDefault      string         `json:"encrypted_default,omitempty"`
	IsSecret              bool           `json:"is_secret"`
	ValidationType        ValidationType `json:"validation_type,omitempty"`
	ValidationRegex       string         `json:"validation_regex,omitempty"`
	ValidationExplanation string         `json:"validation_explanation,omitempty"`
	ValidValues           []string       `json:"valid_values,omitempty"`
	Group                 string         `json:"group,omitempty"`
	DisplayOrder          int            `json:"display_order"`
	Advanced              bool           `json:"advanced"`
}

// Clone returns a deep copy of the setting.
func (s Setting) Clone() Setting {
	out := s
	if s.Value != nil {
		out.Value = s.Value.Ptr()
	}
	if s.DefaultValue != nil {
		out.DefaultValue = s.DefaultValue.Ptr()
	}
	if s.ValidValues != nil {
		out.ValidValues = append([]string(nil), s.ValidValues...)
	}
	return out
}

// ── Verifications ────────────────────────────────────────────

type VerificationKind string

const (
	VerificationPlugin  VerificationKind = "Plugin"
	VerificationDynamic VerificationKind = "Dynamic"
)

// RuntimeExpr is the only runtime Dynamic verifications can target.
const RuntimeExpr = "expr"

// VerificationDefinition is a named check attached to a client schema.
type VerificationDefinition struct {
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Kind          VerificationKind `json:"kind"`
	SettingNames  []string         `json:"setting_names"`
	Code          string           `json:"code,omitempty"`
	TargetRuntime string           `json:"target_runtime,omitempty"`
}

func (v VerificationDefinition) Clone() VerificationDefinition {
	out := v
	out.SettingNames = append([]string(nil), v.SettingNames...)
	return out
}

// VerificationOutcome is what a verifier reports back.
type VerificationOutcome struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Logs    []string `json:"logs,omitempty"`
}

// VerificationResult is one entry in a verification's run history.
type VerificationResult struct {
	ID               string        `json:"id"`
	ClientName       string        `json:"client_name"`
	Instance         string        `json:"instance,omitempty"`
	VerificationName string        `json:"verification_name"`
	Success          bool          `json:"success"`
	Message          string        `json:"message"`
	Logs             []string      `json:"logs,omitempty"`
	ExecutionTime    time.Duration `json:"execution_time_ns"`
	RequestingUser   string        `json:"requesting_user,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// ── Client Registration ──────────────────────────────────────

// ClientKey identifies a registration. Instance is empty for the base client.
type ClientKey struct {
	Name     string `json:"name"`
	Instance string `json:"instance,omitempty"`
}

func (k ClientKey) String() string {
	if k.Instance == "" {
		return k.Name
	}
	return k.Name + "/" + k.Instance
}

// ClientRegistration is the authoritative, server-held state of one client.
type ClientRegistration struct {
	ID                     string                   `json:"id"`
	Name                   string                   `json:"name"`
	Description            string                   `json:"description,omitempty"`
	Instance               string                   `json:"instance,omitempty"`
	SecretHash             string                   `json:"secret_hash,omitempty"`
	Settings               []Setting                `json:"settings"`
	Verifications          []VerificationDefinition `json:"verifications"`
	AllowOfflineSettings   bool                     `json:"allow_offline_settings"`
	LastRegistration       time.Time                `json:"last_registration"`
	LastRead               *time.Time               `json:"last_read,omitempty"`
	LastSettingValueUpdate time.Time                `json:"last_setting_value_update"`
	IPAddress              string                   `json:"ip_address,omitempty"`
	Hostname               string                   `json:"hostname,omitempty"`
}

func (c *ClientRegistration) Key() ClientKey {
	return ClientKey{Name: c.Name, Instance: c.Instance}
}

// Setting returns the named setting, or nil.
func (c *ClientRegistration) Setting(name string) *Setting {
	for i := range c.Settings {
		if c.Settings[i].Name == name {
			return &c.Settings[i]
		}
	}
	return nil
}

// Verification returns the named verification, or nil.
func (c *ClientRegistration) Verification(name string) *VerificationDefinition {
	for i := range c.Verifications {
		if c.Verifications[i].Name == name {
			return &c.Verifications[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate it without touching stored state.
func (c *ClientRegistration) Clone() *ClientRegistration {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastRead != nil {
		t := *c.LastRead
		out.LastRead = &t
	}
	out.Settings = make([]Setting, len(c.Settings))
	for i, s := range c.Settings {
		out.Settings[i] = s.Clone()
	}
	out.Verifications = make([]VerificationDefinition, len(c.Verifications))
	for i, v := range c.Verifications {
		out.Verifications[i] = v.Clone()
	}
	return &out
}

// ── Run Sessions ─────────────────────────────────────────────

// RunSession tracks one live process of a client via its heartbeats. Sessions
// are stored apart from the registration they belong to.
type RunSession struct {
	RunSessionID           string              `json:"run_session_id"`
	LastSeen               time.Time           `json:"last_seen"`
	StartedAt              time.Time           `json:"started_at"`
	PollIntervalMs         int64               `json:"poll_interval_ms"`
	UptimeSeconds          float64             `json:"uptime_seconds"`
	LiveReload             bool                `json:"live_reload"`
	OfflineSettingsEnabled bool                `json:"offline_settings_enabled"`
	IPAddress              string              `json:"ip_address,omitempty"`
	Hostname               string              `json:"hostname,omitempty"`
	FigVersion             string              `json:"fig_version,omitempty"`
	ApplicationVersion     string              `json:"application_version,omitempty"`
	LastSettingUpdate      time.Time           `json:"last_setting_update"`
	MemoryUsageBytes       int64               `json:"memory_usage_bytes"`
	HistoricalMemoryUsage  []MemoryUsageSample `json:"historical_memory_usage,omitempty"`
	MemoryAnalysis         *MemoryAnalysis     `json:"memory_analysis,omitempty"`

	// Administrator overrides, returned to the client until it reports them back.
	RequestedPollIntervalMs *int64 `json:"requested_poll_interval_ms,omitempty"`
	RequestedLiveReload     *bool  `json:"requested_live_reload,omitempty"`
}

func (r RunSession) Clone() RunSession {
	out := r
	out.HistoricalMemoryUsage = append([]MemoryUsageSample(nil), r.HistoricalMemoryUsage...)
	if r.MemoryAnalysis != nil {
		a := *r.MemoryAnalysis
		out.MemoryAnalysis = &a
	}
	if r.RequestedPollIntervalMs != nil {
		v := *r.RequestedPollIntervalMs
		out.RequestedPollIntervalMs = &v
	}
	if r.RequestedLiveReload != nil {
		v := *r.RequestedLiveReload
		out.RequestedLiveReload = &v
	}
	return out
}

// ClientRunSession is a run session together with its owning client.
type ClientRunSession struct {
	ClientName string `json:"client_name"`
	Instance   string `json:"instance,omitempty"`
	RunSession
}

func (c ClientRunSession) Key() ClientKey {
	return ClientKey{Name: c.ClientName, Instance: c.Instance}
}

// MemoryUsageSample is one memory reading at a given client uptime.
type MemoryUsageSample struct {
	ClientRunTimeSeconds float64 `json:"client_run_time_seconds"`
	MemoryUsageBytes     int64   `json:"memory_usage_bytes"`
}

// MemoryAnalysis is the result of a trend analysis over a session's samples.
type MemoryAnalysis struct {
	TimeOfAnalysis             time.Time `json:"time_of_analysis"`
	TrendSlope                 float64   `json:"trend_slope"`
	Average                    float64   `json:"average"`
	StdDev                     float64   `json:"std_dev"`
	StartingAverage            float64   `json:"starting_average"`
	EndingAverage              float64   `json:"ending_average"`
	SecondsAnalyzed            float64   `json:"seconds_analyzed"`
	DataPointsAnalyzed         int       `json:"data_points_analyzed"`
	PossibleMemoryLeakDetected bool      `json:"possible_memory_leak_detected"`
}

// ── Setting History ──────────────────────────────────────────

// SettingValueRecord is a past value of a setting. Secret values are masked.
type SettingValueRecord struct {
	ID          string    `json:"id"`
	ClientName  string    `json:"client_name"`
	Instance    string    `json:"instance,omitempty"`
	SettingName string    `json:"setting_name"`
	Value       string    `json:"value"`
	ChangedBy   string    `json:"changed_by,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// ── Audit Events ─────────────────────────────────────────────

type EventType string

const (
	EventInitialRegistration    EventType = "InitialRegistration"
	EventRegistrationNoChange   EventType = "RegistrationNoChange"
	EventRegistrationWithChange EventType = "RegistrationWithChange"
	EventSettingValueUpdated    EventType = "SettingValueUpdated"
	EventSettingsRead           EventType = "SettingsRead"
	EventClientDeleted          EventType = "ClientDeleted"
	EventClientInstanceCreated  EventType = "ClientInstanceCreated"
	EventVerificationRun        EventType = "SettingVerificationRun"
	EventMemoryLeakDetected     EventType = "MemoryLeakDetected"
	EventClientSecretChanged    EventType = "ClientSecretChanged"
)

// AuditEvent is an append-only record of something that happened to a client.
type AuditEvent struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	ClientName   string            `json:"client_name"`
	Instance     string            `json:"instance,omitempty"`
	SettingName  string            `json:"setting_name,omitempty"`
	Verification string            `json:"verification,omitempty"`
	RunSessionID string            `json:"run_session_id,omitempty"`
	Message      string            `json:"message,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	Hostname     string            `json:"hostname,omitempty"`
	User         string            `json:"user,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// AuditFilter narrows an event listing. Zero fields match everything.
type AuditFilter struct {
	ClientName string
	Type       EventType
	Since      time.Time
	Limit      int
}

// ── Wire Types ───────────────────────────────────────────────

// ClientDefinition is the schema a client posts when it registers.
type ClientDefinition struct {
	Name          string                   `json:"name"`
	Description   string                   `json:"description,omitempty"`
	Instance      string                   `json:"instance,omitempty"`
	Settings      []Setting                `json:"settings"`
	Verifications []VerificationDefinition `json:"verifications,omitempty"`
}

func (d ClientDefinition) Key() ClientKey {
	return ClientKey{Name: d.Name, Instance: d.Instance}
}

// RegistrationResponse reports how a registration was reconciled.
type RegistrationResponse struct {
	Outcome  EventType `json:"outcome"`
	ClientID string    `json:"client_id"`
}

// StatusRequest is the heartbeat body sent by a client.
type StatusRequest struct {
	RunSessionID           string    `json:"run_session_id"`
	UptimeSeconds          float64   `json:"uptime_seconds"`
	LastSettingUpdate      time.Time `json:"last_setting_update"`
	PollIntervalMs         int64     `json:"poll_interval_ms"`
	LiveReload             bool      `json:"live_reload"`
	FigVersion             string    `json:"fig_version,omitempty"`
	ApplicationVersion     string    `json:"application_version,omitempty"`
	OfflineSettingsEnabled bool      `json:"offline_settings_enabled"`
}

// StatusResponse is the server's answer to a heartbeat.
type StatusResponse struct {
	PollIntervalMs         int64 `json:"poll_interval_ms"`
	LiveReload             bool  `json:"live_reload"`
	SettingUpdateAvailable bool  `json:"setting_update_available"`
	AllowOfflineSettings   bool  `json:"allow_offline_settings"`
}

// SettingValue is a single current value as served to a client.
// When IsSecret is set, Value is absent and EncryptedValue carries the
// ciphertext under the client's own key.
type SettingValue struct {
	Name           string    `json:"name"`
	ValueType      ValueType `json:"value_type"`
	Value          *Value    `json:"value,omitempty"`
	EncryptedValue string    `json:"encrypted_value,omitempty"`
	IsSecret       bool      `json:"is_secret"`
}

// SettingValueUpdate is one administrative value change.
type SettingValueUpdate struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

type SettingValueUpdates struct {
	Values        []SettingValueUpdate `json:"values"`
	ChangeMessage string               `json:"change_message,omitempty"`
}

// RunSessionConfiguration holds administrator requested session overrides.
type RunSessionConfiguration struct {
	PollIntervalMs *int64 `json:"poll_interval_ms,omitempty"`
	LiveReload     *bool  `json:"live_reload,omitempty"`
}

type ClientConfiguration struct {
	AllowOfflineSettings bool `json:"allow_offline_settings"`
}

type SecretChangeRequest struct {
	OldSecret string `json:"old_secret"`
	NewSecret string `json:"new_secret"`
}

// CallerDetails carries the network origin of a client request.
type CallerDetails struct {
	IPAddress string
	Hostname  string
	User      string
}
