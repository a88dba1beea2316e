package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

var (
	// ErrNoJSON means the model output has no {...} span.
	ErrNoJSON = errors.New("no JSON object found in response")

	errNotObject = errors.New("JSON value is not an object")
)

var fenceReplacer = strings.NewReplacer("```json", "", "```", "")

// dateLayouts are tried in order when normalizing a receipt date
var dateLayouts = []string{
	"2006-1-2",
	"2006-1-2T15:04:05",
	"2006-1-2T15:04",
	"2006-1-2 15:04:05",
	"2006-1-2 15:04",
	"2006/1/2",
	"2006.1.2",
	"2006年1月2日",
	"1/2/2006",
	time.RFC3339,
}

// SanitizeReceipt turns raw model output into a text-flavor Receipt. It never
// fails: output without a usable JSON object yields an empty Receipt with a
// Defaulted outcome.
func SanitizeReceipt(text string) Sanitized[Receipt] {
	obj, err := parseObject(text)
	if err != nil {
		return Sanitized[Receipt]{Outcome: Defaulted, Reason: err}
	}
	return Sanitized[Receipt]{Record: projectReceipt(obj), Outcome: Parsed}
}

// SanitizeItemized turns raw model output into an image-flavor ItemizedReceipt.
// Like SanitizeReceipt it degrades to an empty record instead of failing.
func SanitizeItemized(text string) Sanitized[ItemizedReceipt] {
	obj, err := parseObject(text)
	if err != nil {
		return Sanitized[ItemizedReceipt]{
			Record:  ItemizedReceipt{Items: []Item{}},
			Outcome: Defaulted,
			Reason:  err,
		}
	}
	return Sanitized[ItemizedReceipt]{Record: projectItemized(obj), Outcome: Parsed}
}

// parseObject locates the outermost JSON object in text and decodes it
func parseObject(text string) (map[string]any, error) {
	candidate, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	return decodeObject(candidate)
}

// extractJSON slices text from the first '{' to the last '}' inclusive and
// drops any markdown fence markers inside the slice.
func extractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end <= start {
		return "", ErrNoJSON
	}
	return strings.TrimSpace(fenceReplacer.Replace(text[start : end+1])), nil
}

// decodeObject parses a JSON object. When strict decoding fails the text is
// run through jsonrepair once and decoded again. Numbers stay json.Number so a
// single out-of-range value cannot fail the whole object.
func decodeObject(text string) (map[string]any, error) {
	obj, err := unmarshalObject(text)
	if err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, fmt.Errorf("unmarshaling json: %w (repair failed: %v)", err, repairErr)
		}
		obj, err = unmarshalObject(repaired)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling repaired json: %w", err)
		}
	}
	if obj == nil {
		return nil, errNotObject
	}
	return obj, nil
}

// unmarshalObject decodes exactly one JSON value from text
func unmarshalObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}
	return obj, nil
}

func projectReceipt(obj map[string]any) Receipt {
	total, ok := obj["total"]
	if !ok || total == nil {
		total = obj["price"]
	}

	date := stringField(obj["date"])
	if date == "" {
		date = stringField(obj["purchaseDate"])
	}

	return Receipt{
		Name:     stringField(obj["name"]),
		Store:    stringField(obj["store"]),
		Total:    amountField(total),
		Date:     normalizeDate(date),
		Quantity: amountField(obj["quantity"]),
		Unit:     stringField(obj["unit"]),
		Memo:     stringField(obj["memo"]),
	}
}

func projectItemized(obj map[string]any) ItemizedReceipt {
	receipt := ItemizedReceipt{
		Store: stringField(obj["store"]),
		Items: []Item{},
	}

	entries, _ := obj["items"].([]any)
	for _, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name := stringField(fields["name"])
		if name == "" {
			continue
		}
		price, ok := priceField(fields["price"])
		if !ok {
			continue
		}
		receipt.Items = append(receipt.Items, Item{Name: name, Price: price})
	}

	return receipt
}

// stringField accepts only textual values
func stringField(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// amountField coerces a JSON value into an Amount, empty when it is not numeric
func amountField(v any) Amount {
	switch n := v.(type) {
	case json.Number:
		if f, ok := finiteNumber(n); ok {
			return NewAmount(f)
		}
	case string:
		if f, ok := parseNumber(n); ok {
			return NewAmount(f)
		}
	}
	return Amount{}
}

// priceField coerces an item price, rejecting anything that is not a non-negative number
func priceField(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, ok := finiteNumber(n)
		return f, ok && f >= 0
	case string:
		return parseNumber(n)
	}
	return 0, false
}

// finiteNumber rejects numbers outside the float64 range
func finiteNumber(n json.Number) (float64, bool) {
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// parseNumber keeps only digits and decimal points, then reads the longest
// decimal prefix: "¥1,200" is 1200 and "1.2.3" is 1.2.
func parseNumber(s string) (float64, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if c := s[i]; (c >= '0' && c <= '9') || c == '.' {
			b.WriteByte(c)
		}
	}
	cleaned := b.String()

	if dot := strings.IndexByte(cleaned, '.'); dot >= 0 {
		if next := strings.IndexByte(cleaned[dot+1:], '.'); next >= 0 {
			cleaned = cleaned[:dot+1+next]
		}
	}
	if strings.Trim(cleaned, ".") == "" {
		return 0, false
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// normalizeDate rewrites a recognizable date as YYYY-MM-DD. Anything else becomes empty.
func normalizeDate(s string) string {
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}
