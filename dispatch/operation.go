package dispatch

import (
	"fmt"
	"strings"

	"thumbgen/core"
	"thumbgen/imagegen"
)

// Kind names a logical operation. It is part of every fingerprint.
type Kind string

const (
	KindGenerate         Kind = "generate"
	KindPro              Kind = "pro"
	KindRecreate         Kind = "recreate"
	KindFilter           Kind = "filter"
	KindBackground       Kind = "background"
	KindCustomBackground Kind = "custom-background"
	KindUpscale          Kind = "upscale"
)

// RecreateVariations is the fixed slot count of a recreate batch.
const RecreateVariations = 2

// IsEdit reports whether kind is a free single-image edit.
func (k Kind) IsEdit() bool {
	switch k {
	case KindFilter, KindBackground, KindCustomBackground, KindUpscale:
		return true
	}
	return false
}

// Units returns the credits a committed batch of kind with n slots costs.
// Edits are free; everything else costs one unit per requested slot.
func Units(kind Kind, n int) int {
	if kind.IsEdit() {
		return 0
	}
	return n
}

// FallbackMessage is shown when a batch fails with an error that is not
// safe to display.
func FallbackMessage(kind Kind) string {
	switch kind {
	case KindPro:
		return "An unexpected error occurred during pro thumbnail generation."
	case KindRecreate:
		return "An unexpected error occurred during thumbnail re-creation."
	case KindFilter:
		return "An unexpected error occurred while applying the filter."
	case KindBackground:
		return "An unexpected error occurred while changing the background."
	case KindCustomBackground:
		return "An unexpected error occurred while applying the custom background."
	case KindUpscale:
		return "An unexpected error occurred during image upscaling."
	default:
		return "An unexpected error occurred during thumbnail generation."
	}
}

// Operation is a validated request ready for Dispatch. Build it with one of
// the constructors below; they enforce the input rules of each kind.
type Operation struct {
	Kind      Kind
	UserID    string
	Watermark bool

	// Params is the fingerprint input. Images appear as their identity
	// hash. The slot count is deliberately absent so a cached batch can
	// serve a smaller request.
	Params map[string]interface{}

	// Requests holds one generator call per slot, in slot order.
	Requests []imagegen.Request
}

// Variations returns the number of slots.
func (op Operation) Variations() int {
	return len(op.Requests)
}

// Units returns the credits op costs on commit.
func (op Operation) Units() int {
	return Units(op.Kind, len(op.Requests))
}

// GenerateInput holds the inputs of a batch generation.
type GenerateInput struct {
	Brief       imagegen.ThumbnailBrief `json:"brief"`
	Image       imagegen.Image          `json:"image"`
	SecondImage imagegen.Image          `json:"second_image"`
	Variations  int                     `json:"variations"`
}

// Generate validates in and builds a batch generation. Zero variations
// means the default of 2.
func Generate(in GenerateInput, watermark bool) (Operation, error) {
	b := in.Brief
	if in.Image.IsZero() || b.Category == "" || b.Emotion == "" || strings.TrimSpace(b.Title) == "" {
		return Operation{}, core.NewValidationError("Please ensure all fields are filled and an image is cropped.")
	}
	needsSecond := imagegen.RequiresSecondImage(b.Category)
	if needsSecond && in.SecondImage.IsZero() {
		return Operation{}, core.NewValidationError(fmt.Sprintf("The %q category requires a second image to be uploaded.", b.Category))
	}
	n := in.Variations
	if n == 0 {
		n = 2
	}
	if n != 1 && n != 2 {
		return Operation{}, core.NewValidationError("Please choose 1 or 2 variations.")
	}
	if b.Difficulty == "" {
		b.Difficulty = imagegen.DifficultyMedium
	}

	images := []imagegen.Image{in.Image}
	params := map[string]interface{}{
		"brief": b,
		"image": in.Image.Identity(),
	}
	if needsSecond {
		images = append(images, in.SecondImage)
		params["second_image"] = in.SecondImage.Identity()
	}

	requests := make([]imagegen.Request, n)
	for i := range requests {
		requests[i] = imagegen.Request{
			Context: fmt.Sprintf("thumbnail variation %d", i+1),
			Prompt:  imagegen.ThumbnailPrompt(b, i, needsSecond, watermark),
			Images:  images,
		}
	}
	return Operation{Kind: KindGenerate, Watermark: watermark, Params: params, Requests: requests}, nil
}

// Pro builds the one-shot generation for prompt. The generator edits a
// blank canvas so the output keeps the thumbnail aspect ratio.
func Pro(prompt string, watermark bool) (Operation, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Operation{}, core.NewValidationError("Please enter a prompt to generate a thumbnail.")
	}
	canvas, err := imagegen.BlankCanvas()
	if err != nil {
		return Operation{}, fmt.Errorf("dispatch: blank canvas: %w", err)
	}
	return Operation{
		Kind:      KindPro,
		Watermark: watermark,
		Params:    map[string]interface{}{"prompt": prompt},
		Requests: []imagegen.Request{{
			Context: "pro thumbnail",
			Prompt:  imagegen.ProPrompt(prompt, watermark),
			Images:  []imagegen.Image{canvas},
		}},
	}, nil
}

// RecreateInput holds the inputs of a re-creation.
type RecreateInput struct {
	Original  imagegen.Image `json:"original"`
	Character imagegen.Image `json:"character"`
	Text      string         `json:"text"`
}

// Recreate builds the fixed two-variation re-creation of an existing
// thumbnail with a new person.
func Recreate(in RecreateInput, watermark bool) (Operation, error) {
	if in.Original.IsZero() {
		return Operation{}, core.NewValidationError("Please upload the original thumbnail you want to re-create.")
	}
	if in.Character.IsZero() {
		return Operation{}, core.NewValidationError("Please upload an image of the new person to replace the one in the thumbnail.")
	}
	images := []imagegen.Image{in.Original, in.Character}
	requests := make([]imagegen.Request, RecreateVariations)
	for i := range requests {
		requests[i] = imagegen.Request{
			Context: fmt.Sprintf("re-created thumbnail variation %d", i+1),
			Prompt:  imagegen.RecreatePrompt(in.Text, i, watermark),
			Images:  images,
		}
	}
	return Operation{
		Kind:      KindRecreate,
		Watermark: watermark,
		Params: map[string]interface{}{
			"text":      in.Text,
			"original":  in.Original.Identity(),
			"character": in.Character.Identity(),
		},
		Requests: requests,
	}, nil
}

// Filter builds a filter edit of current.
func Filter(current imagegen.Image, filter string, watermark bool) (Operation, error) {
	if current.IsZero() {
		return Operation{}, core.NewValidationError("There is no generated image to apply a filter to.")
	}
	return edit(KindFilter, "filter", imagegen.FilterPrompt(filter, watermark), watermark,
		map[string]interface{}{"prompt": filter, "image": current.Identity()}, current), nil
}

// Background builds a background replacement described by description.
func Background(current imagegen.Image, description string, watermark bool) (Operation, error) {
	if current.IsZero() {
		return Operation{}, core.NewValidationError("There is no generated image to change the background of.")
	}
	return edit(KindBackground, "background change", imagegen.BackgroundPrompt(description, watermark), watermark,
		map[string]interface{}{"prompt": description, "image": current.Identity()}, current), nil
}

// CustomBackground builds a background replacement from an uploaded image.
func CustomBackground(current, background imagegen.Image, watermark bool) (Operation, error) {
	if current.IsZero() || background.IsZero() {
		return Operation{}, core.NewValidationError("There is no generated image or background image to apply.")
	}
	return edit(KindCustomBackground, "custom background", imagegen.CustomBackgroundPrompt(watermark), watermark,
		map[string]interface{}{"image": current.Identity(), "background": background.Identity()}, current, background), nil
}

// Upscale builds a 4K upscale of current.
func Upscale(current imagegen.Image, watermark bool) (Operation, error) {
	if current.IsZero() {
		return Operation{}, core.NewValidationError("There is no generated image to upscale.")
	}
	return edit(KindUpscale, "upscale", imagegen.UpscalePrompt(watermark), watermark,
		map[string]interface{}{"image": current.Identity()}, current), nil
}

func edit(kind Kind, context, prompt string, watermark bool, params map[string]interface{}, images ...imagegen.Image) Operation {
	return Operation{
		Kind:      kind,
		Watermark: watermark,
		Params:    params,
		Requests:  []imagegen.Request{{Context: context, Prompt: prompt, Images: images}},
	}
}
