package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task type tags with a dedicated payload.
const (
	TypeSEOAnalysis         = "seo_analysis"
	TypeContentGeneration   = "content_generation"
	TypeContentOptimization = "content_optimization"
	TypeAnalytics           = "analytics"
)

// MaxPriority is the highest accepted priority value.
const MaxPriority = 10

// ErrValidation marks a malformed task rejected at submission.
var ErrValidation = errors.New("validation error")

// Payload is the typed input of a task. Each task type has its own payload
// so agents never dispatch on untyped maps.
type Payload interface {
	// Kind returns the task type this payload belongs to.
	Kind() string
	// Validate checks payload-specific fields.
	Validate() error
}

// SEOAnalysis asks an agent to analyze a domain's search visibility.
type SEOAnalysis struct {
	Keywords    []string `json:"keywords"`
	Competitors []string `json:"competitors,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
}

func (SEOAnalysis) Kind() string { return TypeSEOAnalysis }

func (p SEOAnalysis) Validate() error {
	if len(p.Keywords) == 0 {
		return errors.New("seo_analysis requires at least one keyword")
	}
	return nil
}

// ContentGeneration asks an agent to produce content on a topic.
type ContentGeneration struct {
	Topic        string   `json:"topic"`
	Keywords     []string `json:"keywords,omitempty"`
	TargetLength int      `json:"target_length,omitempty"`
	Format       string   `json:"format,omitempty"`
}

func (ContentGeneration) Kind() string { return TypeContentGeneration }

func (p ContentGeneration) Validate() error {
	if p.Topic == "" {
		return errors.New("content_generation requires a topic")
	}
	if p.TargetLength < 0 {
		return fmt.Errorf("content_generation target_length must not be negative, got %d", p.TargetLength)
	}
	return nil
}

// ContentOptimization transfers a successful optimization from one domain to another.
// Fan-out tasks carry this payload.
type ContentOptimization struct {
	SourceDomain     string         `json:"source_domain"`
	OptimizationType string         `json:"optimization_type"`
	Reference        map[string]any `json:"content_reference,omitempty"`
}

func (ContentOptimization) Kind() string { return TypeContentOptimization }

func (p ContentOptimization) Validate() error {
	if p.SourceDomain == "" {
		return errors.New("content_optimization requires a source domain")
	}
	if p.OptimizationType == "" {
		return errors.New("content_optimization requires an optimization type")
	}
	return nil
}

// Analytics asks an agent for a forecast over the given metrics.
type Analytics struct {
	Metrics     []string `json:"metrics"`
	HorizonDays int      `json:"horizon_days,omitempty"`
}

func (Analytics) Kind() string { return TypeAnalytics }

func (p Analytics) Validate() error {
	if len(p.Metrics) == 0 {
		return errors.New("analytics requires at least one metric")
	}
	if p.HorizonDays < 0 {
		return fmt.Errorf("analytics horizon_days must not be negative, got %d", p.HorizonDays)
	}
	return nil
}

// Generic carries fields for task types without a dedicated payload.
type Generic struct {
	Fields map[string]any `json:"fields"`
}

// Kind is empty: a generic payload adopts the type of the task carrying it.
func (Generic) Kind() string { return "" }

func (Generic) Validate() error { return nil }

// DecodePayload builds the typed payload for taskType from its JSON encoding.
// Unknown task types decode into Generic.
func DecodePayload(taskType string, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	// Known types decode strictly into their struct
	switch taskType {
	case TypeSEOAnalysis:
		var v SEOAnalysis
		err = json.Unmarshal(data, &v)
		p = v
	case TypeContentGeneration:
		var v ContentGeneration
		err = json.Unmarshal(data, &v)
		p = v
	case TypeContentOptimization:
		var v ContentOptimization
		err = json.Unmarshal(data, &v)
		p = v
	case TypeAnalytics:
		var v Analytics
		err = json.Unmarshal(data, &v)
		p = v
	default:
		// An empty payload is a Generic with no fields, not an error
		var fields map[string]any
		if len(data) > 0 {
			err = json.Unmarshal(data, &fields)
		}
		p = Generic{Fields: fields}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %v", ErrValidation, taskType, err)
	}
	return p, nil
}

// PayloadSize returns the size in bytes of the payload's JSON encoding.
func PayloadSize(p Payload) int {
	if p == nil {
		return 0
	}
	// Generic is measured by its fields, matching how it goes on the wire
	if g, ok := p.(Generic); ok {
		data, err := json.Marshal(g.Fields)
		if err != nil {
			return 0
		}
		return len(data)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(data)
}

// Validate checks the shape of a task before it is accepted.
// All failures wrap ErrValidation.
func Validate(t *Task) error {
	if t == nil {
		return fmt.Errorf("%w: task is nil", ErrValidation)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: task %q has no type", ErrValidation, t.ID)
	}
	if t.Domain == "" {
		return fmt.Errorf("%w: task %q has no domain", ErrValidation, t.ID)
	}
	if t.Priority < 0 || t.Priority > MaxPriority {
		return fmt.Errorf("%w: task %q priority %d outside [0, %d]", ErrValidation, t.ID, t.Priority, MaxPriority)
	}
	if t.Payload == nil {
		return fmt.Errorf("%w: task %q has no payload", ErrValidation, t.ID)
	}
	// Generic reports no kind and fits any type
	if kind := t.Payload.Kind(); kind != "" && kind != t.Type {
		return fmt.Errorf("%w: task %q of type %q carries a %q payload", ErrValidation, t.ID, t.Type, kind)
	}
	if err := t.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: task %q: %v", ErrValidation, t.ID, err)
	}
	// A zero deadline means none
	if !t.Deadline.IsZero() && !t.CreatedAt.IsZero() && !t.Deadline.After(t.CreatedAt) {
		return fmt.Errorf("%w: task %q deadline %s is not after creation", ErrValidation, t.ID, t.Deadline.Format(time.RFC3339))
	}
	return nil
}
