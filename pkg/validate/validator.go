package validate

import (
	"fmt"
	"sort"

	"github.com/mlOS-foundation/system-test/pkg/result"
)

// Check types accepted in a workload's validation rules.
const (
	TypeStatusSuccess = "status_success"
	TypeOutputExists  = "output_exists"
	TypeOutputShape   = "output_shape"
	TypeTopKContains  = "top_k_contains"
)

// Rule declares one output check for a workload.
type Rule struct {
	Type     string `yaml:"type" json:"type"`
	Output   string `yaml:"output,omitempty" json:"output,omitempty"`
	Elements int    `yaml:"elements,omitempty" json:"elements,omitempty"`
	TopK     int    `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	Indices  []int  `yaml:"indices,omitempty" json:"indices,omitempty"`
}

// Validator checks a parsed inference response.
type Validator interface {
	Validate(resp *Response) error
}

// StatusValidator fails unless the runtime reported success and produced
// output.
type StatusValidator struct{}

// Validate checks the response status and output size.
func (v *StatusValidator) Validate(resp *Response) error {
	if resp.Status != "" && resp.Status != "success" {
		return fmt.Errorf("inference status is %s, expected success", resp.Status)
	}

	if resp.OutputSize <= 0 && len(resp.Outputs) == 0 {
		return fmt.Errorf("inference returned no output")
	}

	return nil
}

// OutputExistsValidator fails if the named output is missing.
type OutputExistsValidator struct {
	Output string
}

// Validate checks that the output is present.
func (v *OutputExistsValidator) Validate(resp *Response) error {
	if _, ok := resp.Outputs[v.Output]; !ok {
		return fmt.Errorf("output %q not present", v.Output)
	}

	return nil
}

// OutputShapeValidator fails if the named output does not have the expected
// number of elements.
type OutputShapeValidator struct {
	Output   string
	Elements int
}

// Validate checks the flattened element count of the output.
func (v *OutputShapeValidator) Validate(resp *Response) error {
	values, err := resp.Tensor(v.Output)
	if err != nil {
		return err
	}

	if len(values) != v.Elements {
		return fmt.Errorf("output %q has %d elements, expected %d", v.Output, len(values), v.Elements)
	}

	return nil
}

// TopKContainsValidator fails unless at least one of the expected indices
// ranks within the top K values of the named output.
type TopKContainsValidator struct {
	Output  string
	K       int
	Indices []int
}

// Validate checks the top-K ranking of the output.
func (v *TopKContainsValidator) Validate(resp *Response) error {
	values, err := resp.Tensor(v.Output)
	if err != nil {
		return err
	}

	top := TopK(values, v.K)

	for _, idx := range v.Indices {
		for _, t := range top {
			if t == idx {
				return nil
			}
		}
	}

	return fmt.Errorf("output %q top-%d %v contains none of %v", v.Output, v.K, top, v.Indices)
}

// TopK returns the indices of the k largest values, largest first.
func TopK(values []float64, k int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return values[idx[a]] > values[idx[b]]
	})

	if k > len(idx) {
		k = len(idx)
	}

	return idx[:k]
}

// ComposedValidator runs multiple validators in sequence.
type ComposedValidator struct {
	validators []Validator
}

// NewComposedValidator creates a validator that runs multiple validators in sequence.
func NewComposedValidator(validators ...Validator) *ComposedValidator {
	return &ComposedValidator{
		validators: validators,
	}
}

// Validate runs all validators in sequence, returning the first error encountered.
func (v *ComposedValidator) Validate(resp *Response) error {
	for _, validator := range v.validators {
		if err := validator.Validate(resp); err != nil {
			return err
		}
	}

	return nil
}

// Summarize runs every validator against body and counts the outcomes.
// Unlike Validate it does not stop at the first failure.
func (v *ComposedValidator) Summarize(body []byte) *result.ValidationSummary {
	summary := &result.ValidationSummary{}

	resp, err := Parse(body)
	if err != nil {
		summary.Failed = len(v.validators)
		summary.Messages = append(summary.Messages, err.Error())

		return summary
	}

	for _, validator := range v.validators {
		if err := validator.Validate(resp); err != nil {
			summary.Failed++
			summary.Messages = append(summary.Messages, err.Error())

			continue
		}

		summary.Passed++
	}

	return summary
}

// Len returns the number of composed validators.
func (v *ComposedValidator) Len() int {
	return len(v.validators)
}

// FromRules builds a composed validator from declared rules.
func FromRules(rules []Rule) (*ComposedValidator, error) {
	validators := make([]Validator, 0, len(rules))

	for i, rule := range rules {
		switch rule.Type {
		case TypeStatusSuccess:
			validators = append(validators, &StatusValidator{})
		case TypeOutputExists:
			if rule.Output == "" {
				return nil, fmt.Errorf("rule %d: output is required for %s", i, rule.Type)
			}

			validators = append(validators, &OutputExistsValidator{Output: rule.Output})
		case TypeOutputShape:
			if rule.Output == "" || rule.Elements <= 0 {
				return nil, fmt.Errorf("rule %d: output and elements are required for %s", i, rule.Type)
			}

			validators = append(validators, &OutputShapeValidator{Output: rule.Output, Elements: rule.Elements})
		case TypeTopKContains:
			if rule.Output == "" || len(rule.Indices) == 0 {
				return nil, fmt.Errorf("rule %d: output and indices are required for %s", i, rule.Type)
			}

			k := rule.TopK
			if k <= 0 {
				k = 5
			}

			validators = append(validators, &TopKContainsValidator{Output: rule.Output, K: k, Indices: rule.Indices})
		default:
			return nil, fmt.Errorf("rule %d: unknown validation type %q", i, rule.Type)
		}
	}

	return NewComposedValidator(validators...), nil
}
