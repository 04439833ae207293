package schema

import "strings"

type mediaField struct {
	name        string
	description string
	hints       []string
}

var mediaFields = []mediaField{
	{"image", "URL of an input image.", []string{"image", "img", "vision", "flux", "sdxl", "diffusion", "upscal"}},
	{"audio", "URL of an input audio file.", []string{"audio", "speech", "whisper", "music", "voice", "tts"}},
	{"video", "URL of an input video.", []string{"video", "animate", "motion"}},
}

// Heuristic infers a plausible input schema from the model id alone. It
// always describes an object with a string "prompt" and adds media URL
// fields when the id suggests the model consumes them.
func Heuristic(modelID string) map[string]any {
	props := map[string]any{
		"prompt": map[string]any{
			"type":        "string",
			"description": "Text prompt for the model.",
		},
	}
	id := strings.ToLower(modelID)
	for _, f := range mediaFields {
		for _, hint := range f.hints {
			if strings.Contains(id, hint) {
				props[f.name] = map[string]any{
					"type":        "string",
					"format":      "uri",
					"description": f.description,
				}
				break
			}
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}
