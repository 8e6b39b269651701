package detect

import (
	"errors"
	"strings"
	"unicode"

	"github.com/voxpipe/voxpipe/pkg/errorsx"
)

// DefaultPhrase is the phrase users speak to deliver the dictated command.
const DefaultPhrase = "thank you"

// strippedPunctuation is removed before matching, so "thank you." and
// "Thank You!" both match the configured phrase.
const strippedPunctuation = `.,!?;:'"()`

// TriggerPhrase detects a configured phrase at the end of the transcript.
// It holds no per-utterance state; Reset is a no-op kept for interface
// symmetry with the silence strategy.
type TriggerPhrase struct {
	phrase        string
	normPhrase    []rune
	caseSensitive bool
}

// NewTriggerPhrase builds a detector for the given phrase. A phrase that
// normalizes to nothing (empty, or punctuation only) is rejected.
func NewTriggerPhrase(phrase string, caseSensitive bool) (*TriggerPhrase, error) {
	norm, _ := normalize(phrase, caseSensitive)
	if len(norm) == 0 {
		return nil, errorsx.Wrap(errors.New("trigger phrase must contain at least one word"), errorsx.ReasonValidation)
	}
	return &TriggerPhrase{
		phrase:        phrase,
		normPhrase:    norm,
		caseSensitive: caseSensitive,
	}, nil
}

// Phrase returns the configured phrase text.
func (d *TriggerPhrase) Phrase() string { return d.phrase }

// ProcessTranscript reports whether the transcript ends with the configured
// phrase. On a match, Command carries everything spoken before the phrase
// with original casing and punctuation preserved, trailing whitespace
// trimmed.
func (d *TriggerPhrase) ProcessTranscript(text string) Result {
	norm, offsets := normalize(text, d.caseSensitive)
	res := Result{IsSpeech: len(norm) > 0}
	if len(norm) < len(d.normPhrase) {
		return res
	}
	start := len(norm) - len(d.normPhrase)
	for i, r := range d.normPhrase {
		if norm[start+i] != r {
			return res
		}
	}
	res.ShouldFinalize = true
	res.Command = strings.TrimRight(text[:offsets[start]], " \t\r\n")
	return res
}

// Reset is a no-op; the detector is stateless.
func (d *TriggerPhrase) Reset() {}

// normalize strips the punctuation set, collapses whitespace runs to single
// spaces, trims, and lowercases unless caseSensitive. It returns the
// normalized runes together with, for each rune, the byte offset in the
// original string it was derived from. Walking the original this way keeps
// offsets aligned so a match position maps back to the untouched text.
func normalize(s string, caseSensitive bool) ([]rune, []int) {
	runes := make([]rune, 0, len(s))
	offsets := make([]int, 0, len(s))
	pendingSpace := false
	pendingSpaceAt := 0
	for i, r := range s {
		if strings.ContainsRune(strippedPunctuation, r) {
			continue
		}
		if unicode.IsSpace(r) {
			if len(runes) > 0 && !pendingSpace {
				pendingSpace = true
				pendingSpaceAt = i
			}
			continue
		}
		if pendingSpace {
			runes = append(runes, ' ')
			offsets = append(offsets, pendingSpaceAt)
			pendingSpace = false
		}
		if !caseSensitive {
			r = unicode.ToLower(r)
		}
		runes = append(runes, r)
		offsets = append(offsets, i)
	}
	return runes, offsets
}

var _ TranscriptStrategy = (*TriggerPhrase)(nil)
