package ports

// Transform is the per-edge value pipeline. Steps apply in a fixed order:
// scale, offset, clamp, threshold, invert, range remap. Omitted keys are
// identity steps, so the zero Transform passes values through unchanged.
type Transform struct {
	Scale         *float64  `json:"scale,omitempty"`
	Offset        *float64  `json:"offset,omitempty"`
	Min           *float64  `json:"min,omitempty"`
	Max           *float64  `json:"max,omitempty"`
	Threshold     *float64  `json:"threshold,omitempty"`
	ThresholdMode string    `json:"threshold_mode,omitempty"`
	Invert        bool      `json:"invert,omitempty"`
	MapFrom       []float64 `json:"map_from,omitempty"`
	MapTo         []float64 `json:"map_to,omitempty"`
}

// Threshold modes.
const (
	ThresholdAbove = "above"
	ThresholdBelow = "below"
	ThresholdEqual = "equal"
)

// Apply runs the pipeline on one value.
func (t Transform) Apply(v float64) float64 {
	if t.Scale != nil {
		v *= *t.Scale
	}
	if t.Offset != nil {
		v += *t.Offset
	}
	if t.Min != nil && v < *t.Min {
		v = *t.Min
	}
	if t.Max != nil && v > *t.Max {
		v = *t.Max
	}
	if t.Threshold != nil {
		fired := false
		switch t.ThresholdMode {
		case ThresholdBelow:
			fired = v < *t.Threshold
		case ThresholdEqual:
			fired = v == *t.Threshold
		default: // above
			fired = v > *t.Threshold
		}
		if fired {
			v = 1.0
		} else {
			v = 0.0
		}
	}
	if t.Invert {
		v = -v
	}
	if len(t.MapFrom) == 2 && len(t.MapTo) == 2 && t.MapFrom[0] != t.MapFrom[1] {
		a, b := t.MapFrom[0], t.MapFrom[1]
		c, d := t.MapTo[0], t.MapTo[1]
		v = c + (v-a)/(b-a)*(d-c)
	}
	return v
}

// IsZero reports whether the transform is the identity.
func (t Transform) IsZero() bool {
	return t.Scale == nil && t.Offset == nil && t.Min == nil && t.Max == nil &&
		t.Threshold == nil && !t.Invert && len(t.MapFrom) == 0 && len(t.MapTo) == 0
}
