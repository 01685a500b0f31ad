package state

import (
	"time"
)

// Timestamp is a point in time used as an entity version. Versions are
// strictly totally ordered; the stored form is an ISO offset date-time.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func TimestampNow() Timestamp {
	return Timestamp{Time: time.Now()}
}

// ParseTimestamp parses the stored RFC3339 form.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, err
	}
	return Timestamp{Time: t}, nil
}

func (t Timestamp) Before(other Timestamp) bool {
	return t.Time.Before(other.Time)
}

func (t Timestamp) After(other Timestamp) bool {
	return t.Time.After(other.Time)
}

func (t Timestamp) Equal(other Timestamp) bool {
	return t.Time.Equal(other.Time)
}

func (t Timestamp) IsZero() bool {
	return t.Time.IsZero()
}

func (t Timestamp) String() string {
	return t.Time.Format(time.RFC3339Nano)
}

func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Timestamp) UnmarshalText(text []byte) error {
	parsed, err := ParseTimestamp(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// VersionInfo tracks when a run spec last changed and why. LastConfigChangeAt
// and LastScalingAt never exceed Version.
type VersionInfo struct {
	Version            Timestamp `json:"version"`
	LastScalingAt      Timestamp `json:"lastScalingAt"`
	LastConfigChangeAt Timestamp `json:"lastConfigChangeAt"`
}

func NewVersionInfo(version Timestamp) VersionInfo {
	return VersionInfo{
		Version:            version,
		LastScalingAt:      version,
		LastConfigChangeAt: version,
	}
}

// WithScaleChange records a change that only altered the instance count.
func (v VersionInfo) WithScaleChange(version Timestamp) VersionInfo {
	v.Version = version
	v.LastScalingAt = version
	return v
}

// WithConfigChange records a change to anything other than the instance count.
func (v VersionInfo) WithConfigChange(version Timestamp) VersionInfo {
	return NewVersionInfo(version)
}
