package validate

import (
	"encoding/json"
	"fmt"
)

// Response is an inference response body as returned by the runtime. The
// runtime reports metadata and, when asked to, the output tensors.
type Response struct {
	Status          string                     `json:"status"`
	ModelID         string                     `json:"model_id"`
	InferenceTimeUs int64                      `json:"inference_time_us"`
	OutputSize      int64                      `json:"output_size"`
	Outputs         map[string]json.RawMessage `json:"outputs"`
}

// Parse decodes a response body.
func Parse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing inference response: %w", err)
	}

	return &resp, nil
}

// Tensor returns the flattened values of the named output.
func (r *Response) Tensor(name string) ([]float64, error) {
	raw, ok := r.Outputs[name]
	if !ok {
		return nil, fmt.Errorf("output %q not present", name)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding output %q: %w", name, err)
	}

	values := make([]float64, 0, 64)

	if err := flatten(v, &values); err != nil {
		return nil, fmt.Errorf("output %q: %w", name, err)
	}

	return values, nil
}

func flatten(v any, out *[]float64) error {
	switch t := v.(type) {
	case float64:
		*out = append(*out, t)
	case []any:
		for _, e := range t {
			if err := flatten(e, out); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unexpected element type %T", v)
	}

	return nil
}
