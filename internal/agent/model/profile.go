package model

// UserProfile is the read-only snapshot of the requesting user.
// Zero values mean "not provided".
type UserProfile struct {
	Age              int      `json:"age,omitempty"`
	WeightKg         float64  `json:"weight,omitempty"`
	HeightCm         float64  `json:"height,omitempty"`
	BMI              float64  `json:"bmi,omitempty"`
	BodyShape        string   `json:"body_shape,omitempty"`
	Gender           string   `json:"gender,omitempty"`
	HealthConditions []string `json:"health_conditions,omitempty"`
	Goals            []string `json:"goals,omitempty"`
	Description      string   `json:"description,omitempty"`
}

// EffectiveBMI returns the stored BMI or derives it from weight and height.
func (p UserProfile) EffectiveBMI() float64 {
	if p.BMI > 0 {
		return p.BMI
	}
	if p.WeightKg > 0 && p.HeightCm > 0 {
		m := p.HeightCm / 100
		return p.WeightKg / (m * m)
	}
	return 0
}
