// Package batch runs prioritized collections of content requests with retries,
// bounded parallelism and progress reporting.
package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"curriculum-curator/internal/content"
)

// Priority orders batch items. Higher values run first. The zero value is
// PriorityNormal, so items that leave it unset sort above explicit low ones.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p >= PriorityLow && p <= PriorityCritical {
		return priorityNames[p-PriorityLow]
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority parses a priority name case-insensitively. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if s == name {
			return PriorityLow + Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Item is one content request inside a batch.
type Item struct {
	ID       string                 `yaml:"id" json:"id" validate:"required"`
	Request  content.ContentRequest `yaml:"request" json:"request"`
	Priority Priority               `yaml:"priority" json:"priority"`
	Metadata map[string]string      `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Batch is a named collection of items.
type Batch struct {
	Name  string `yaml:"name" json:"name"`
	Items []Item `yaml:"items" json:"items"`
}

// Options controls how a batch is executed.
type Options struct {
	Parallel         bool `yaml:"parallel" json:"parallel"`
	MaxConcurrent    int  `yaml:"max_concurrent" json:"max_concurrent" mapstructure:"max_concurrent" validate:"min=1,max=64"`
	ContinueOnError  bool `yaml:"continue_on_error" json:"continue_on_error" mapstructure:"continue_on_error"`
	RetryFailedItems bool `yaml:"retry_failed_items" json:"retry_failed_items" mapstructure:"retry_failed_items"`
	MaxRetries       int  `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries" validate:"min=0,max=10"`
}

// DefaultOptions returns sequential execution with two retries per item.
func DefaultOptions() Options {
	return Options{
		Parallel:         false,
		MaxConcurrent:    3,
		ContinueOnError:  true,
		RetryFailedItems: true,
		MaxRetries:       2,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports malformed options.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid batch options: %w", err)
	}
	return nil
}

// State is the lifecycle of one batch execution.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// ItemResult is the final outcome of one attempted item.
type ItemResult struct {
	ItemID     string                     `json:"item_id"`
	Success    bool                       `json:"success"`
	Contents   []content.GeneratedContent `json:"contents,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Elapsed    time.Duration              `json:"elapsed"`
	RetryCount int                        `json:"retry_count"`
}

// Result aggregates a batch. Total counts attempted items, so
// Successful+Failed == Total, and Requested-Total items were never attempted.
type Result struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	Requested    int           `json:"requested"`
	Total        int           `json:"total"`
	Successful   int           `json:"successful"`
	Failed       int           `json:"failed"`
	Items        []ItemResult  `json:"items"`
	Errors       []string      `json:"errors,omitempty"`
	TotalElapsed time.Duration `json:"total_elapsed"`
}

// Unattempted returns the number of items that never ran.
func (r *Result) Unattempted() int {
	return r.Requested - r.Total
}

// Progress is a snapshot of a running batch.
type Progress struct {
	Batch              string        `json:"batch"`
	Total              int           `json:"total"`
	Completed          int           `json:"completed"`
	Failed             int           `json:"failed"`
	CurrentItem        string        `json:"current_item,omitempty"`
	Operation          string        `json:"operation"`
	Percent            float64       `json:"percent"`
	Elapsed            time.Duration `json:"elapsed"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	Errors             []string      `json:"errors,omitempty"`
}
