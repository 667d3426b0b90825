package judge

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/nadmax/nexarena/internal/domain"
)

// Score is one applied judge score.
type Score struct {
	Entry
	Key   string `json:"key"`
	Score int    `json:"score"`
}

// payload returns the substring between the first '{' and the last '}' of the trimmed reply.
func payload(reply string) (string, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", domain.NewError(domain.KindJudgeParse, "judge returned an empty reply", nil)
	}

	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return "", domain.NewError(domain.KindJudgeParse, "judge reply contains no JSON object", nil)
	}

	return reply[start : end+1], nil
}

type field struct {
	key   string
	value json.RawMessage
}

// decodeObject reads a JSON object keeping its keys in document order.
func decodeObject(data string) ([]field, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected a JSON object")
	}

	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("expected an object key")
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields = append(fields, field{key: key, value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}

	return fields, nil
}

// numeric accepts JSON numbers and strings holding a number.
func numeric(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)

	var s string
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	} else {
		s = string(raw)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}

	return v, true
}

// match finds the entry a judge key refers to: an exact model id first, then the first entry
// whose id contains the key or is contained in it. An empty key is a substring of every id, so it
// only matches exactly.
func match(key string, entries []Entry) (Entry, bool) {
	for _, e := range entries {
		if e.ModelID == key {
			return e, true
		}
	}
	if key == "" {
		return Entry{}, false
	}
	for _, e := range entries {
		if strings.Contains(key, e.ModelID) || strings.Contains(e.ModelID, key) {
			return e, true
		}
	}

	return Entry{}, false
}

func clamp(v float64) int {
	return int(math.Round(math.Min(5, math.Max(1, v))))
}

// ParseScores extracts per-entry scores from a judge reply. Keys that match no entry and values
// that are not numbers are ignored. When a model is matched more than once the last score wins.
func ParseScores(reply string, entries []Entry) ([]Score, error) {
	data, err := payload(reply)
	if err != nil {
		return nil, err
	}

	fields, err := decodeObject(data)
	if err != nil {
		return nil, domain.NewError(domain.KindJudgeParse, "failed to parse judge scores", err)
	}

	var scores []Score
	index := make(map[string]int)
	for _, f := range fields {
		v, ok := numeric(f.value)
		if !ok {
			continue
		}
		e, ok := match(f.key, entries)
		if !ok {
			continue
		}

		s := Score{Entry: e, Key: f.key, Score: clamp(v)}
		if i, seen := index[e.ModelID]; seen {
			scores[i] = s
			continue
		}
		index[e.ModelID] = len(scores)
		scores = append(scores, s)
	}

	if len(scores) == 0 {
		return nil, domain.NewError(domain.KindJudgeNoMatch, "could not match model ids in judge reply", nil)
	}

	return scores, nil
}
