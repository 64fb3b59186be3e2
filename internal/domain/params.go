package domain

// GenerationParams are the knobs passed to a regeneration run.
type GenerationParams struct {
	Prompt                string  `json:"prompt"`
	PromptStrength        float64 `json:"prompt_strength"`
	NumInferenceSteps     int     `json:"num_inference_steps"`
	GuidanceScale         float64 `json:"guidance_scale"`
	NumOutputs            int     `json:"num_outputs"`
	OutputFormat          string  `json:"output_format"`
	ForceSegmentationMask bool    `json:"force_segmentation_mask"`
}

// DefaultGenerationParams returns the generation defaults used when a frame
// has no pending overrides.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Prompt:            "portrait of @trigger, consistent identity",
		PromptStrength:    0.6,
		NumInferenceSteps: 32,
		GuidanceScale:     6.0,
		NumOutputs:        3,
		OutputFormat:      "png",
	}
}

// ParamPatch carries a partial parameter update; nil fields leave the
// current value untouched.
type ParamPatch struct {
	Prompt                *string
	PromptStrength        *float64
	NumInferenceSteps     *int
	GuidanceScale         *float64
	NumOutputs            *int
	OutputFormat          *string
	ForceSegmentationMask *bool
}

// Apply merges the patch into the params and returns the result.
func (p GenerationParams) Apply(patch ParamPatch) GenerationParams {
	if patch.Prompt != nil {
		p.Prompt = *patch.Prompt
	}
	if patch.PromptStrength != nil {
		p.PromptStrength = *patch.PromptStrength
	}
	if patch.NumInferenceSteps != nil {
		p.NumInferenceSteps = *patch.NumInferenceSteps
	}
	if patch.GuidanceScale != nil {
		p.GuidanceScale = *patch.GuidanceScale
	}
	if patch.NumOutputs != nil {
		p.NumOutputs = *patch.NumOutputs
	}
	if patch.OutputFormat != nil {
		p.OutputFormat = *patch.OutputFormat
	}
	if patch.ForceSegmentationMask != nil {
		p.ForceSegmentationMask = *patch.ForceSegmentationMask
	}
	return p
}
