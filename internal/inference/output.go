package inference

import (
	"encoding/json"
	"fmt"
)

// decodeOutput maps the generic model output
//
//	{"measurements": {"total_length", "chest_width", "shoulder_width"}, "annotated_image": "...", "unit": "cm"}
//
// onto a Result. Both hosted and self-hosted backends answer in this shape.
func decodeOutput(output any) (*Result, error) {
	fields, ok := output.(map[string]any)
	if !ok {
		raw, err := json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
			return nil, fmt.Errorf("%w: output is not an object", ErrResponseInvalid)
		}
	}

	rawMeasurements, ok := fields["measurements"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing measurements", ErrResponseInvalid)
	}

	m, err := decodeMeasurements(rawMeasurements)
	if err != nil {
		return nil, err
	}

	annotated, _ := fields["annotated_image"].(string)
	if annotated == "" {
		return nil, fmt.Errorf("%w: missing annotated_image", ErrResponseInvalid)
	}

	unit, _ := fields["unit"].(string)
	if unit == "" {
		unit = Unit
	}
	if unit != Unit {
		return nil, fmt.Errorf("%w: unexpected unit %q", ErrResponseInvalid, unit)
	}

	return &Result{Measurements: m, AnnotatedImage: annotated, Unit: unit}, nil
}

func decodeMeasurements(raw map[string]any) (Measurements, error) {
	var m Measurements
	for name, dst := range map[string]*float64{
		"total_length":   &m.TotalLength,
		"chest_width":    &m.ChestWidth,
		"shoulder_width": &m.ShoulderWidth,
	} {
		value, ok := raw[name].(float64)
		if !ok {
			return Measurements{}, fmt.Errorf("%w: measurement %q missing or not a number", ErrResponseInvalid, name)
		}
		*dst = value
	}
	return m, nil
}
