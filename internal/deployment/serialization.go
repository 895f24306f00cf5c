package deployment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/testrig/testrig/internal/interfaces"
)

// PlanSerializer handles safe serialization and deserialization of deployment
// plans. Plans arrive from the API and from CLI plan files, where durations
// are written as strings ("90s") and artifact content as base64.
type PlanSerializer struct{}

// NewPlanSerializer creates a new plan serializer
func NewPlanSerializer() *PlanSerializer {
	return &PlanSerializer{}
}

// Serialize converts a DeploymentPlan to a map for JSON serialization
func (s *PlanSerializer) Serialize(plan *interfaces.DeploymentPlan) (map[string]interface{}, error) {
	if plan == nil {
		return nil, fmt.Errorf("deployment plan is nil")
	}

	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal deployment plan: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal to map: %w", err)
	}

	return result, nil
}

// Deserialize converts various inputs to a DeploymentPlan using mapstructure
func (s *PlanSerializer) Deserialize(input interface{}) (*interfaces.DeploymentPlan, error) {
	if input == nil {
		return nil, fmt.Errorf("input is nil")
	}

	if plan, ok := input.(*interfaces.DeploymentPlan); ok {
		return plan, nil
	}

	var plan interfaces.DeploymentPlan
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &plan,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			s.stringToBytesHook(),
			s.stringToDurationHook(),
			s.stringToArtifactTypeHook(),
		),
		TagName: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("failed to decode deployment plan: %w", err)
	}

	return &plan, nil
}

// stringToBytesHook converts base64 strings to artifact content
func (s *PlanSerializer) stringToBytesHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf([]byte(nil)) {
			return data, nil
		}

		str, ok := data.(string)
		if !ok {
			return data, nil
		}

		decoded, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, fmt.Errorf("content is not valid base64: %w", err)
		}
		return decoded, nil
	}
}

// stringToDurationHook converts duration strings like "90s" to time.Duration
func (s *PlanSerializer) stringToDurationHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		str, ok := data.(string)
		if !ok {
			return data, nil
		}

		d, err := time.ParseDuration(str)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", str, err)
		}
		return d, nil
	}
}

// stringToArtifactTypeHook converts strings to ArtifactType with validation
func (s *PlanSerializer) stringToArtifactTypeHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(interfaces.ArtifactTypeScript) {
			return data, nil
		}

		str, ok := data.(string)
		if !ok {
			return data, nil
		}

		switch interfaces.ArtifactType(str) {
		case interfaces.ArtifactTypeScript, interfaces.ArtifactTypeBinary,
			interfaces.ArtifactTypeConfig, interfaces.ArtifactTypeData:
			return interfaces.ArtifactType(str), nil
		default:
			return nil, fmt.Errorf("unknown artifact type: %s", str)
		}
	}
}
