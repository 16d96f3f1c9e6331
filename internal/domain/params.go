package domain

import (
	"encoding/json"
	"fmt"
)

// JobType is the closed set of work a job can describe. It selects the
// handler and the shape of the params/result payloads.
type JobType string

const (
	TypeAudioGenerate      JobType = "audio-generate"
	TypeImageGenerate      JobType = "image-generate"
	TypeImageEdit          JobType = "image-edit"
	TypeImageCompose       JobType = "image-compose"
	TypeImageStyleTransfer JobType = "image-style-transfer"
	TypeTweetGenerate      JobType = "tweet-generate"
)

// AllJobTypes lists every supported job type.
var AllJobTypes = []JobType{
	TypeAudioGenerate,
	TypeImageGenerate,
	TypeImageEdit,
	TypeImageCompose,
	TypeImageStyleTransfer,
	TypeTweetGenerate,
}

// ParseJobType returns InvalidJobTypeError for anything outside AllJobTypes.
func ParseJobType(s string) (JobType, error) {
	for _, t := range AllJobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", &InvalidJobTypeError{JobType: s}
}

// Params is the per-type request payload. The set of implementations is
// closed: only the variants declared in this package satisfy it.
type Params interface {
	JobType() JobType
	isParams()
}

type AudioGenerateParams struct {
	Prompt   string `json:"prompt"`
	Genre    string `json:"genre,omitempty"`
	Mood     string `json:"mood,omitempty"`
	Duration int    `json:"duration,omitempty"` // seconds
	Model    string `json:"model,omitempty"`
}

type ImageGenerateParams struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Style          string `json:"style,omitempty"`
	Count          int    `json:"count,omitempty"`
}

type ImageEditParams struct {
	ImageRef string `json:"imageRef"`
	Prompt   string `json:"prompt"`
	MaskRef  string `json:"maskRef,omitempty"`
}

type ImageComposeParams struct {
	ImageRefs []string `json:"imageRefs"`
	Prompt    string   `json:"prompt,omitempty"`
	Layout    string   `json:"layout,omitempty"`
}

type ImageStyleTransferParams struct {
	ImageRef string  `json:"imageRef"`
	StyleRef string  `json:"styleRef"`
	Strength float64 `json:"strength,omitempty"`
}

type TweetGenerateParams struct {
	Topic     string   `json:"topic"`
	Tone      string   `json:"tone,omitempty"`
	MaxLength int      `json:"maxLength,omitempty"`
	Hashtags  []string `json:"hashtags,omitempty"`
}

func (AudioGenerateParams) JobType() JobType      { return TypeAudioGenerate }
func (ImageGenerateParams) JobType() JobType      { return TypeImageGenerate }
func (ImageEditParams) JobType() JobType          { return TypeImageEdit }
func (ImageComposeParams) JobType() JobType       { return TypeImageCompose }
func (ImageStyleTransferParams) JobType() JobType { return TypeImageStyleTransfer }
func (TweetGenerateParams) JobType() JobType      { return TypeTweetGenerate }

func (AudioGenerateParams) isParams()      {}
func (ImageGenerateParams) isParams()      {}
func (ImageEditParams) isParams()          {}
func (ImageComposeParams) isParams()       {}
func (ImageStyleTransferParams) isParams() {}
func (TweetGenerateParams) isParams()      {}

// DecodeParams turns a job's raw params into its typed variant.
// An empty payload decodes to the zero value of the variant.
func DecodeParams(t JobType, raw json.RawMessage) (Params, error) {
	switch t {
	case TypeAudioGenerate:
		return decodeInto[AudioGenerateParams](t, raw)
	case TypeImageGenerate:
		return decodeInto[ImageGenerateParams](t, raw)
	case TypeImageEdit:
		return decodeInto[ImageEditParams](t, raw)
	case TypeImageCompose:
		return decodeInto[ImageComposeParams](t, raw)
	case TypeImageStyleTransfer:
		return decodeInto[ImageStyleTransferParams](t, raw)
	case TypeTweetGenerate:
		return decodeInto[TweetGenerateParams](t, raw)
	default:
		return nil, &InvalidJobTypeError{JobType: string(t)}
	}
}

func decodeInto[P Params](t JobType, raw json.RawMessage) (Params, error) {
	var p P
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid %s params: %w", t, err)
	}
	return p, nil
}
