package stt

import (
	"context"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
)

type GoogleSpeech struct {
	c *speech.Client

	Encoding     speechpb.RecognitionConfig_AudioEncoding
	SampleRateHz int32
}

func NewGoogleSpeech(ctx context.Context, sampleRate int) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &GoogleSpeech{
		c:            c,
		Encoding:     speechpb.RecognitionConfig_LINEAR16,
		SampleRateHz: int32(sampleRate),
	}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

// language example: "ja-JP", "en-US". Short codes are expanded.
func (g *GoogleSpeech) Transcribe(ctx context.Context, audio []byte, language string) (*Result, error) {
	code := speechLanguage(language)

	resp, err := g.c.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   g.Encoding,
			SampleRateHertz:            g.SampleRateHz,
			LanguageCode:               code,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Language: code}
	var texts []string
	var confSum float64
	prevEnd := 0.0
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		end := prevEnd
		if r.ResultEndTime != nil {
			end = r.ResultEndTime.AsDuration().Seconds()
		}
		res.Segments = append(res.Segments, Segment{
			Text:       strings.TrimSpace(alt.Transcript),
			Start:      prevEnd,
			End:        end,
			Confidence: float64(alt.Confidence),
		})
		texts = append(texts, strings.TrimSpace(alt.Transcript))
		confSum += float64(alt.Confidence)
		prevEnd = end
	}

	res.Text = strings.Join(texts, " ")
	if n := len(res.Segments); n > 0 {
		res.Confidence = confSum / float64(n)
		res.Duration = prevEnd
	}
	return res, nil
}

func speechLanguage(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "ja", "ja-jp":
		return "ja-JP"
	case "en", "en-us":
		return "en-US"
	case "id", "id-id":
		return "id-ID"
	default:
		return lang
	}
}
