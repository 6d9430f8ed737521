package imagegen

import (
	"fmt"
	"strings"
)

// WatermarkText is stamped on results for plans without watermark removal.
const WatermarkText = "MADE BY PRO THUMBNAIL GENERATOR"

// Categories that take a second image and how it is composed.
const (
	CategoryBeforeAfter   = "Before & After"
	CategoryProductReview = "Product Review"
	CategoryFood          = "Food"
	CategoryMrBeast       = "MrBeast Style"
)

// Difficulty levels.
const (
	DifficultyEasy   = "Easy"
	DifficultyMedium = "Medium"
	DifficultyHard   = "Hard"
)

// AIChoice lets the model decide a styling option.
const AIChoice = "AI Choice"

// ThumbnailBrief carries the creative options of a batch generation.
type ThumbnailBrief struct {
	Category               string `json:"category"`
	Title                  string `json:"title"`
	Emotion                string `json:"emotion"`
	EmotionIntensity       int    `json:"emotion_intensity"`
	TextColor              string `json:"text_color"`
	FontStyle              string `json:"font_style"`
	BackgroundStyle        string `json:"background_style"`
	OutlineThickness       string `json:"outline_thickness"`
	OutlineColor           string `json:"outline_color"`
	CustomBackgroundPrompt string `json:"custom_background_prompt,omitempty"`
	Difficulty             string `json:"difficulty"`
}

// RequiresSecondImage reports whether category composes two images.
func RequiresSecondImage(category string) bool {
	switch category {
	case CategoryBeforeAfter, CategoryProductReview, CategoryFood:
		return true
	}
	return false
}

// Variation palettes, one per slot.
var (
	thumbnailVariations = []string{
		"Variation: make this version BRIGHT and high-energy with a vibrant palette, dynamic angles and a clean modern look.",
		"Variation: make this version DARKER and cinematic with moody, realistic lighting and deep shadows for a premium, high-stakes feel.",
	}
	recreateVariations = []string{
		"Variation A: go BRIGHT and BOLD with saturated colors and high-energy graphic accents.",
		"Variation B: go CINEMATIC and DRAMATIC with deeper colors, strong shadows and realistic lighting.",
	}
)

// ThumbnailPrompt builds the prompt for slot variation (0-based) of a batch.
func ThumbnailPrompt(b ThumbnailBrief, variation int, hasSecondImage, watermark bool) string {
	var p promptBuilder
	p.line("You are an expert YouTube thumbnail designer. Create a high click-through-rate thumbnail from the reference image.")
	p.blank()
	p.line("Inputs:")
	p.item("Category: %s", b.Category)
	p.item("Title text: %q", b.Title)
	p.item("Emotion: %s at %d%% intensity", b.Emotion, b.EmotionIntensity)
	p.item("Difficulty: %s", difficultyOrDefault(b.Difficulty))
	p.item("Text color: %s, font style: %s, outline: %s %s", b.TextColor, b.FontStyle, b.OutlineThickness, b.OutlineColor)
	p.item("Background style: %s", b.BackgroundStyle)

	if hasSecondImage {
		if c := compositeInstruction(b.Category); c != "" {
			p.item("%s", c)
		}
	}
	if strings.TrimSpace(b.CustomBackgroundPrompt) != "" && b.BackgroundStyle == "Custom" {
		p.item("Custom background: generate a background matching %q. This overrides the background style.", b.CustomBackgroundPrompt)
	}
	if b.Category == CategoryMrBeast {
		p.item("Style: loud, saturated, high-contrast colors; a thick glow around the subject; arrows or circles where they fit the title.")
	}
	p.item("Complexity: %s", difficultyDirective(b.Difficulty))

	face, palette, text := intensityDirectives(b.EmotionIntensity)
	p.blank()
	p.line("Instructions:")
	p.item("Change the facial expression to %s at %d%% intensity. The expression should be %s Keep the person recognizable.", b.Emotion, b.EmotionIntensity, face)
	p.item("Make the subject the focal point, covering 50-70%% of the frame.")
	p.item("Background palette: %s", palette)
	p.item("Render the title %q in an ultra-bold condensed sans-serif with a thick outline and a drop shadow, at the top or bottom, never over the face. %s", b.Title, text)
	p.item("Apply professional color grading that suits the %s category.", b.Category)

	p.output(CanvasWidth, CanvasHeight, watermark, false)
	p.blank()
	p.line(pick(thumbnailVariations, variation))
	return p.String()
}

// ProPrompt builds the one-shot prompt. The request carries BlankCanvas as
// its reference image.
func ProPrompt(idea string, watermark bool) string {
	var p promptBuilder
	p.line("You are an elite YouTube thumbnail designer. The reference image is a blank 1280x720 canvas; replace all of it with a finished thumbnail.")
	p.blank()
	p.line(fmt.Sprintf("Idea: %q", idea))
	p.blank()
	p.line("Steps:")
	p.item("Pick the best category for the idea (Finance, Food, Travel, Gaming, Tech, Health & Fitness, Beauty, Education, News, Lifestyle, Other) and let it drive every design choice.")
	p.item("Fill the whole frame with a vibrant, high-contrast background themed for that category. No blank bars.")
	p.item("Generate the main subject large and bold, covering 50-70%% of the frame.")
	p.item("Overlay 2-4 punchy keywords in Impact-style type, bright yellow (#FFD700) or white, with a thick black outline and a subtle shadow.")
	p.output(CanvasWidth, CanvasHeight, watermark, false)
	return p.String()
}

// RecreatePrompt builds the prompt for variation (0-based) of a recreate.
// The reference sheet shows the original thumbnail on the left and the new
// character on the right.
func RecreatePrompt(customText string, variation int, watermark bool) string {
	var p promptBuilder
	p.line("You are an expert photo editor modernizing a YouTube thumbnail. The left image is the original thumbnail; the right image is a new character.")
	p.blank()
	p.line("Character replacement (highest priority):")
	p.item("Cut out the whole person from the right image, including body, pose and clothing.")
	p.item("Remove the original person from the thumbnail and place the new one in the scene.")
	p.item("Match lighting, shadows, color temperature and grain so the new person looks native. Keep the original background and layout.")
	p.blank()
	p.line("Modernization:")
	if strings.TrimSpace(customText) != "" {
		p.item("Replace all text with the title %q.", customText)
	} else {
		p.item("Keep the existing text.")
	}
	p.item("Redesign the text in an ultra-bold condensed sans-serif with a thick outline and a shadow or glow, away from the face.")
	p.item("Apply cinematic color grading, sharpen, and add subtle glows or particles.")
	p.output(CanvasWidth, CanvasHeight, watermark, false)
	p.blank()
	p.line(pick(recreateVariations, variation))
	return p.String()
}

// FilterPrompt builds the prompt for applying a named style filter.
func FilterPrompt(filter string, watermark bool) string {
	var p promptBuilder
	p.line("You are an expert photo editor. Apply a professional artistic filter to the whole image.")
	p.blank()
	p.line("Known styles:")
	p.item("Cinematic: teal shadows and orange highlights, deep contrast, subtle bloom.")
	p.item("Vintage: warm faded colors, realistic film grain, light leaks and a soft vignette.")
	p.item("Synthwave: neon magenta, electric blue and purple, glowing edges, optional grid or scan lines.")
	p.item("Anime: bold clean outlines, cel shading, saturated colors, expressive eyes.")
	p.item("Lomo: oversaturated cross-processed colors and heavy vignetting.")
	p.item("Harmonize: not a style; relight the subject to match the background.")
	p.blank()
	p.line(fmt.Sprintf("Filter to apply: %q", filter))
	p.item("Keep the subject sharp and do not add or remove elements.")
	p.output(CanvasWidth, CanvasHeight, watermark, true)
	return p.String()
}

// BackgroundPrompt builds the prompt for replacing the background with a
// generated one.
func BackgroundPrompt(description string, watermark bool) string {
	var p promptBuilder
	p.line("You are an expert photo editor. Replace the background of the image.")
	p.item("Isolate the people and any text overlays with a precise mask.")
	p.item("Generate a photorealistic background from this description only: %q.", description)
	p.item("Composite the isolated subject and text onto it with consistent lighting and color. Do not alter them.")
	p.output(CanvasWidth, CanvasHeight, watermark, true)
	return p.String()
}

// CustomBackgroundPrompt builds the prompt for compositing the subject onto
// a supplied background. The reference sheet shows the thumbnail on the
// left and the new background on the right.
func CustomBackgroundPrompt(watermark bool) string {
	var p promptBuilder
	p.line("You are an expert photo editor. The left image is a thumbnail; the right image is its new background.")
	p.item("Isolate the subject and text of the left image.")
	p.item("Place them onto the right image, matching lighting, shadows and color grading. Do not alter them.")
	p.output(CanvasWidth, CanvasHeight, watermark, true)
	return p.String()
}

// UpscalePrompt builds the 4K upscale prompt.
func UpscalePrompt(watermark bool) string {
	var p promptBuilder
	p.line("You are an image upscaling specialist. Upscale the image to 3840x2160, recovering detail and sharpness without changing any content.")
	p.output(3840, 2160, watermark, true)
	return p.String()
}

func compositeInstruction(category string) string {
	switch category {
	case CategoryBeforeAfter:
		return "Composite: the first image is BEFORE and the second is AFTER. Split the frame with BEFORE on the left and AFTER on the right, label each side, and run the title across both."
	case CategoryProductReview:
		return "Composite: the first image is the reviewer and the second is a product. Cut out the product and feature it next to the reviewer."
	case CategoryFood:
		return "Composite: the first image is a person and the second is food. Cut out the food, make it look delicious and place it beside the reaction."
	}
	return ""
}

func difficultyOrDefault(d string) string {
	switch d {
	case DifficultyEasy, DifficultyHard:
		return d
	}
	return DifficultyMedium
}

func difficultyDirective(d string) string {
	switch difficultyOrDefault(d) {
	case DifficultyEasy:
		return "minimal and clean, one subject, plain background, no extra effects."
	case DifficultyHard:
		return "busy and high-energy, layered text effects, detailed background, arrows, circles and action lines."
	}
	return "balanced, bold outlined text, contrasting colors, dynamic but uncluttered."
}

// intensityDirectives returns the face, palette and text directives for an
// emotion intensity in 0..100.
func intensityDirectives(intensity int) (face, palette, text string) {
	switch {
	case intensity <= 30:
		return "subtle and realistic, never a caricature.",
			"soft and harmonious with low to moderate contrast.",
			"Keep the lettering clean without extra graphic accents."
	case intensity <= 70:
		return "clear and genuine, easy to read but not theatrical.",
			"balanced and professional with good contrast.",
			"Lettering must be bold with strong outlines."
	default:
		return "pushed to the maximum, an over-the-top reaction face.",
			"extremely saturated and high-contrast, built to grab attention.",
			"Lettering must be exceptionally bold and you must add glows, action lines or highlight circles."
	}
}

func pick(options []string, i int) string {
	if i < 0 || i >= len(options) {
		i = 0
	}
	return options[i]
}

type promptBuilder struct {
	strings.Builder
}

func (p *promptBuilder) line(s string) {
	p.WriteString(s)
	p.WriteByte('\n')
}

func (p *promptBuilder) blank() {
	p.WriteByte('\n')
}

func (p *promptBuilder) item(format string, args ...interface{}) {
	p.WriteString("- ")
	p.WriteString(fmt.Sprintf(format, args...))
	p.WriteByte('\n')
}

// output appends the shared output requirements. edit selects the
// watermark wording for operations on an existing image, which must strip
// a stale watermark when none is wanted.
func (p *promptBuilder) output(width, height int, watermark, edit bool) {
	p.blank()
	p.line("Output requirements:")
	p.item("The image must be exactly %dx%d pixels (16:9).", width, height)
	switch {
	case watermark:
		p.item("Add a neat white watermark reading '%s' in the bottom-right corner at 60-70%% opacity.", WatermarkText)
	case edit:
		p.item("Do not add a watermark, and remove any existing one completely.")
	}
	p.item("Return only the image. No text or explanations.")
}
