package imagegen

import (
	"fmt"
	"strings"
	"testing"

	"thumbgen/core"
)

// TestFinishReason tests the message suffix per finish reason.
func TestFinishReason(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"SAFETY", "Image generation failed. Reason: SAFETY. The request may have violated safety policies. Please adjust your text prompts and try again."},
		{"RECITATION", "Image generation failed. Reason: RECITATION. The response was blocked to avoid reciting sensitive or copyrighted material. Please try a more original prompt."},
		{"OTHER", "Image generation failed. Reason: OTHER. An unexpected issue occurred. Please try modifying your request."},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			r := FinishReason(tt.reason)
			if r.Message != tt.want {
				t.Errorf("Message = %q, want %q", r.Message, tt.want)
			}
			if r.Reason != ReasonFinish {
				t.Errorf("Reason = %q, want %q", r.Reason, ReasonFinish)
			}
		})
	}
}

// TestBlockedPrompt tests the safety-block message.
func TestBlockedPrompt(t *testing.T) {
	r := BlockedPrompt("PROHIBITED_CONTENT")
	want := "Your request was blocked for safety reasons (PROHIBITED_CONTENT). Please try rephrasing your title or custom prompt with more neutral language."
	if r.Error() != want {
		t.Errorf("Error() = %q, want %q", r.Error(), want)
	}
}

// TestNoImage tests the fallback message with and without model text.
func TestNoImage(t *testing.T) {
	plain := NoImage("filter", "")
	wantPlain := "The AI model did not return an image for the filter. This can happen if the request is too complex or unclear. Please try simplifying your title or custom background prompt."
	if plain.Message != wantPlain {
		t.Errorf("Message = %q, want %q", plain.Message, wantPlain)
	}

	long := strings.Repeat("x", 400)
	withText := NoImage("pro thumbnail", long)
	wantSnippet := fmt.Sprintf("It responded with: \"%s...\". ", strings.Repeat("x", 150))
	if !strings.Contains(withText.Message, wantSnippet) {
		t.Errorf("Message = %q, want snippet truncated to 150 chars", withText.Message)
	}
}

// TestRejection_UserMessage tests that rejections reach the error panel verbatim.
func TestRejection_UserMessage(t *testing.T) {
	err := fmt.Errorf("slot 1: %w", FinishReason("SAFETY"))

	if !IsRejection(err) {
		t.Fatal("IsRejection() = false for a wrapped rejection")
	}
	got := core.UserMessage(err, "fallback")
	if got != FinishReason("SAFETY").Message {
		t.Errorf("UserMessage() = %q, want the rejection message", got)
	}
	if IsRejection(fmt.Errorf("network down")) {
		t.Error("IsRejection() = true for a plain error")
	}
}
