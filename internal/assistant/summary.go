// ABOUTME: Tolerant parsing of the JSON summary produced by the extraction model
// ABOUTME: Repairs malformed JSON with jsonrepair and reads the Chinese field names with gjson

package assistant

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
)

// ErrUnparseable is returned when the extraction output cannot be read as a JSON object.
var ErrUnparseable = errors.New("summary is not a JSON object")

// ExtractionInstruction asks the model for the four summary fields.
const ExtractionInstruction = "請將以下文字統整成JSON，欄位必需要有:學習主題(string or null)、涉及知識點(string or null)、評分(number or null)、評語(string or null)"

// Keys accepted for each field, preferred first.
var (
	topicKeys     = []string{"學習主題", "topic"}
	knowledgeKeys = []string{"涉及知識點", "involved_knowledge", "involvedKnowledge"}
	scoreKeys     = []string{"評分", "score"}
	commentKeys   = []string{"評語", "comment"}
)

const maxScore = 5.0

var (
	codeFence    = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	leadingFloat = regexp.MustCompile(`^[-+]?\d+(\.\d+)?`)
)

// ParseSummary reads the model output into a Summary. Fields that are
// missing, empty, or of the wrong shape become nil. Scores outside 0-5 are
// dropped.
func ParseSummary(raw string) (*Summary, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	return &Summary{
		Topic:             stringField(obj, topicKeys),
		InvolvedKnowledge: stringField(obj, knowledgeKeys),
		Score:             scoreField(obj, scoreKeys),
		Comment:           stringField(obj, commentKeys),
	}, nil
}

func decodeObject(raw string) (gjson.Result, error) {
	text := strings.TrimSpace(raw)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	if text == "" {
		return gjson.Result{}, ErrUnparseable
	}

	if gjson.Valid(text) {
		if obj := gjson.Parse(text); obj.IsObject() {
			return obj, nil
		}
	}

	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if !gjson.Valid(repaired) {
		return gjson.Result{}, ErrUnparseable
	}
	obj := gjson.Parse(repaired)
	if !obj.IsObject() {
		return gjson.Result{}, ErrUnparseable
	}
	return obj, nil
}

func lookup(obj gjson.Result, keys []string) (gjson.Result, bool) {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func stringField(obj gjson.Result, keys []string) *string {
	v, ok := lookup(obj, keys)
	if !ok {
		return nil
	}

	var s string
	switch {
	case v.Type == gjson.String:
		s = v.Str
	case v.Type == gjson.Number:
		s = strconv.FormatFloat(v.Num, 'f', -1, 64)
	case v.Type == gjson.True || v.Type == gjson.False:
		s = strconv.FormatBool(v.Bool())
	case v.IsArray():
		var parts []string
		for _, item := range v.Array() {
			if item.Type == gjson.String && strings.TrimSpace(item.Str) != "" {
				parts = append(parts, strings.TrimSpace(item.Str))
			}
		}
		s = strings.Join(parts, "、")
	default:
		return nil
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func scoreField(obj gjson.Result, keys []string) *float64 {
	v, ok := lookup(obj, keys)
	if !ok {
		return nil
	}

	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Num
	case gjson.String:
		m := leadingFloat.FindString(strings.TrimSpace(v.Str))
		if m == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}

	if math.IsNaN(f) || f < 0 || f > maxScore {
		return nil
	}
	return &f
}
