package imagegen

import (
	"errors"
	"fmt"
	"strings"
)

// Rejection reasons.
const (
	ReasonBlocked = "blocked"
	ReasonFinish  = "finish"
	ReasonNoImage = "no_image"
)

// maxFeedbackRunes bounds how much model text is echoed in a NoImage message.
const maxFeedbackRunes = 150

// Rejection is a generator refusal whose Message is shown to the user
// verbatim.
type Rejection struct {
	Reason  string
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

// UserMessage returns the text for the error panel.
func (r *Rejection) UserMessage() string {
	return r.Message
}

// BlockedPrompt rejects a prompt refused by the safety system.
func BlockedPrompt(blockReason string) *Rejection {
	return &Rejection{
		Reason: ReasonBlocked,
		Message: fmt.Sprintf("Your request was blocked for safety reasons (%s). "+
			"Please try rephrasing your title or custom prompt with more neutral language.", blockReason),
	}
}

// FinishReason rejects a response that stopped for a reason other than
// STOP.
func FinishReason(reason string) *Rejection {
	msg := fmt.Sprintf("Image generation failed. Reason: %s. ", reason)
	switch reason {
	case "SAFETY":
		msg += "The request may have violated safety policies. Please adjust your text prompts and try again."
	case "RECITATION":
		msg += "The response was blocked to avoid reciting sensitive or copyrighted material. Please try a more original prompt."
	default:
		msg += "An unexpected issue occurred. Please try modifying your request."
	}
	return &Rejection{Reason: ReasonFinish, Message: msg}
}

// NoImage rejects a response without image data. feedback is whatever
// text the model returned instead.
func NoImage(context, feedback string) *Rejection {
	var b strings.Builder
	fmt.Fprintf(&b, "The AI model did not return an image for the %s. ", context)
	if feedback = strings.TrimSpace(feedback); feedback != "" {
		if runes := []rune(feedback); len(runes) > maxFeedbackRunes {
			feedback = string(runes[:maxFeedbackRunes])
		}
		fmt.Fprintf(&b, "It responded with: \"%s...\". ", feedback)
	}
	b.WriteString("This can happen if the request is too complex or unclear. " +
		"Please try simplifying your title or custom background prompt.")
	return &Rejection{Reason: ReasonNoImage, Message: b.String()}
}

// IsRejection reports whether err is or wraps a Rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}
