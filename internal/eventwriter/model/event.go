package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SchemaVersion selects how events identify their parameter.
type SchemaVersion int

const (
	// SchemaV1 identifies parameters by name.
	SchemaV1 SchemaVersion = 1
	// SchemaV2 identifies parameters by numeric id; each id gets its own storage section.
	SchemaV2 SchemaVersion = 2
)

func (v SchemaVersion) String() string {
	return "v" + strconv.Itoa(int(v))
}

func (v SchemaVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText accepts "v1", "v2", "1" and "2".
func (v *SchemaVersion) UnmarshalText(text []byte) error {
	parsed, err := ParseSchemaVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func ParseSchemaVersion(s string) (SchemaVersion, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	n, err := strconv.Atoi(trimmed)
	if err != nil || !SchemaVersion(n).Valid() {
		return 0, errors.Errorf("unknown schema version %q", s)
	}
	return SchemaVersion(n), nil
}

func (v SchemaVersion) Valid() bool {
	return v == SchemaV1 || v == SchemaV2
}

// Event is one time-series sample. Exactly one of ParameterName (SchemaV1) and ParameterId (SchemaV2) identifies
// the parameter the sample belongs to.
type Event struct {
	ParameterId   int32     `json:"parameterId,omitempty"`
	ParameterName string    `json:"parameterName,omitempty"`
	Time          time.Time `json:"time"`
	Value         float32   `json:"value"`
	Status        int32     `json:"status"`
}

// Validate checks that e carries the identity required by version.
func (e Event) Validate(version SchemaVersion) error {
	switch version {
	case SchemaV1:
		if e.ParameterName == "" {
			return errors.New("parameter name is required")
		}
		if e.ParameterId != 0 {
			return errors.Errorf("parameter id %d cannot be combined with parameter name %q", e.ParameterId, e.ParameterName)
		}
	case SchemaV2:
		if e.ParameterName != "" {
			return errors.Errorf("parameter name %q is not supported; identify parameters by id", e.ParameterName)
		}
	default:
		return errors.Errorf("unknown schema version %d", int(version))
	}
	if e.Time.IsZero() {
		return errors.New("event time is required")
	}
	return nil
}

func (e Event) String() string {
	if e.ParameterName != "" {
		return fmt.Sprintf("%s@%s=%g(%d)", e.ParameterName, e.Time.Format(time.RFC3339Nano), e.Value, e.Status)
	}
	return fmt.Sprintf("#%d@%s=%g(%d)", e.ParameterId, e.Time.Format(time.RFC3339Nano), e.Value, e.Status)
}
