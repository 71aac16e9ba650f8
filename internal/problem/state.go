package problem

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
)

// State is the per-student problem state persisted by the host as an opaque
// JSON string. Keys it does not know are kept and written back unchanged.
type State struct {
	Seed       uint32
	Answers    map[string]string
	CorrectMap map[string]Correctness
	Messages   map[string]string
	Scores     map[string]float64
	Done       bool
	Attempts   int

	extra map[string]json.RawMessage
}

var knownStateKeys = []string{"seed", "answers", "correct_map", "msgs", "scores", "done", "attempts"}

// NewState returns an unattempted state with the given seed.
func NewState(seed uint32) *State {
	return &State{
		Seed:       seed,
		Answers:    map[string]string{},
		CorrectMap: map[string]Correctness{},
	}
}

// NewSeed draws a 32-bit seed from the operating system's CSPRNG.
func NewSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}

// ParseState decodes a state blob. An empty blob yields (nil, nil) so the
// caller can create a fresh state. A blob without a seed (including "null")
// gets a fresh one.
func ParseState(blob string) (*State, error) {
	if blob == "" {
		return nil, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return nil, fmt.Errorf("parse problem state: %w", err)
	}
	s := NewState(0)
	if v, ok := raw["seed"]; !ok || string(v) == "null" {
		s.Seed = NewSeed()
		delete(raw, "seed")
	}
	fields := []struct {
		key string
		dst any
	}{
		{"seed", &s.Seed},
		{"answers", &s.Answers},
		{"correct_map", &s.CorrectMap},
		{"msgs", &s.Messages},
		{"scores", &s.Scores},
		{"done", &s.Done},
		{"attempts", &s.Attempts},
	}
	for _, f := range fields {
		v, ok := raw[f.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return nil, fmt.Errorf("parse problem state %q: %w", f.key, err)
		}
		delete(raw, f.key)
	}
	if s.Attempts < 0 {
		return nil, fmt.Errorf("parse problem state: negative attempts %d", s.Attempts)
	}
	if s.Answers == nil {
		s.Answers = map[string]string{}
	}
	if s.CorrectMap == nil {
		s.CorrectMap = map[string]Correctness{}
	}
	if len(raw) > 0 {
		s.extra = raw
	}
	return s, nil
}

// Marshal encodes the state. Keys are emitted in sorted order, so the same
// state always produces the same bytes.
func (s *State) Marshal() (string, error) {
	out := make(map[string]any, len(knownStateKeys)+len(s.extra))
	for k, v := range s.extra {
		out[k] = v
	}
	out["seed"] = s.Seed
	out["answers"] = nonNil(s.Answers)
	out["correct_map"] = nonNil(s.CorrectMap)
	out["done"] = s.Done
	out["attempts"] = s.Attempts
	if len(s.Messages) > 0 {
		out["msgs"] = s.Messages
	}
	if len(s.Scores) > 0 {
		out["scores"] = s.Scores
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal problem state: %w", err)
	}
	return string(b), nil
}

func nonNil[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Answers = maps.Clone(s.Answers)
	c.CorrectMap = maps.Clone(s.CorrectMap)
	c.Messages = maps.Clone(s.Messages)
	c.Scores = maps.Clone(s.Scores)
	c.extra = maps.Clone(s.extra)
	return &c
}

// Record stores a grading outcome: per-response tags, grader messages and scores.
func (s *State) Record(cm *CorrectnessMap) {
	s.CorrectMap = cm.Tags()
	s.Messages = nil
	s.Scores = nil
	for _, e := range cm.Entries() {
		if e.Msg != "" {
			if s.Messages == nil {
				s.Messages = map[string]string{}
			}
			s.Messages[e.ID] = e.Msg
		}
		if e.Correctness != Unanswered {
			if s.Scores == nil {
				s.Scores = map[string]float64{}
			}
			s.Scores[e.ID] = e.Score
		}
	}
}

// ClearGrades forgets answers and grading results.
func (s *State) ClearGrades() {
	s.Answers = map[string]string{}
	s.CorrectMap = map[string]Correctness{}
	s.Messages = nil
	s.Scores = nil
	s.Done = false
}
