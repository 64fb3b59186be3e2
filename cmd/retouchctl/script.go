package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"retouch/internal/domain"
	"retouch/internal/mask"
)

// strokeScript is the YAML shape of a scripted mask session. Coordinates are
// display-space and get converted to the original's natural resolution by
// the editor.
type strokeScript struct {
	Brush   float64 `yaml:"brush"`
	Mode    string  `yaml:"mode"`
	Display struct {
		Width  float64 `yaml:"width"`
		Height float64 `yaml:"height"`
	} `yaml:"display"`
	Strokes []struct {
		Brush  float64      `yaml:"brush"`
		Mode   string       `yaml:"mode"`
		Points [][2]float64 `yaml:"points"`
	} `yaml:"strokes"`
}

func applyStrokeScript(ed *mask.Editor, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("mask script: read %s: %w", path, err)
	}
	var script strokeScript
	if err := yaml.Unmarshal(raw, &script); err != nil {
		return fmt.Errorf("mask script: parse %s: %w", path, err)
	}
	if script.Display.Width > 0 && script.Display.Height > 0 {
		if err := ed.SetDisplaySize(script.Display.Width, script.Display.Height); err != nil {
			return err
		}
	}
	if script.Brush > 0 {
		ed.SetBrush(script.Brush)
	}

	baseMode, err := parseMode(script.Mode)
	if err != nil {
		return err
	}
	for i, stroke := range script.Strokes {
		if len(stroke.Points) == 0 {
			return fmt.Errorf("mask script: stroke %d has no points", i+1)
		}
		mode := baseMode
		if stroke.Mode != "" {
			if mode, err = parseMode(stroke.Mode); err != nil {
				return err
			}
		}
		ed.SetMode(mode)
		if stroke.Brush > 0 {
			ed.SetBrush(stroke.Brush)
		} else if script.Brush > 0 {
			ed.SetBrush(script.Brush)
		}
		ed.PointerDown(stroke.Points[0][0], stroke.Points[0][1])
		for _, p := range stroke.Points[1:] {
			ed.PointerMove(p[0], p[1])
		}
		ed.PointerUp()
	}
	return nil
}

func parseMode(s string) (mask.Mode, error) {
	switch s {
	case "", "ink":
		return mask.ModeInk, nil
	case "erase":
		return mask.ModeErase, nil
	default:
		return mask.ModeInk, fmt.Errorf("mask script: unknown mode %q", s)
	}
}

// presetFile mirrors the redo parameter fields; absent keys leave the
// frame's pending values untouched.
type presetFile struct {
	Prompt                *string  `yaml:"prompt"`
	PromptStrength        *float64 `yaml:"prompt_strength"`
	NumInferenceSteps     *int     `yaml:"num_inference_steps"`
	GuidanceScale         *float64 `yaml:"guidance_scale"`
	NumOutputs            *int     `yaml:"num_outputs"`
	OutputFormat          *string  `yaml:"output_format"`
	ForceSegmentationMask *bool    `yaml:"force_segmentation_mask"`
}

func loadPreset(path string) (domain.ParamPatch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.ParamPatch{}, fmt.Errorf("preset: read %s: %w", path, err)
	}
	var p presetFile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return domain.ParamPatch{}, fmt.Errorf("preset: parse %s: %w", path, err)
	}
	return domain.ParamPatch{
		Prompt:                p.Prompt,
		PromptStrength:        p.PromptStrength,
		NumInferenceSteps:     p.NumInferenceSteps,
		GuidanceScale:         p.GuidanceScale,
		NumOutputs:            p.NumOutputs,
		OutputFormat:          p.OutputFormat,
		ForceSegmentationMask: p.ForceSegmentationMask,
	}, nil
}
