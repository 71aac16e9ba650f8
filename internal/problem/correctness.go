package problem

import (
	"bytes"
	"encoding/json"
)

// Correctness is the tag a grader assigns to one response.
type Correctness string

const (
	Correct    Correctness = "correct"
	Incorrect  Correctness = "incorrect"
	Unanswered Correctness = "unanswered"
)

// Entry is the grading outcome of one response.
type Entry struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	Correctness Correctness `json:"correctness"`
	Msg         string      `json:"msg,omitempty"`
	Score       float64     `json:"score"`
	MaxPoints   float64     `json:"max_points"`
	Optional    bool        `json:"optional,omitempty"`
	// Invalid is set when the submission itself could not be parsed or
	// referenced an unknown name.
	Invalid bool `json:"invalid,omitempty"`
}

// CorrectnessMap holds one entry per declared response, in declaration order.
type CorrectnessMap struct {
	entries []Entry
	index   map[string]int
}

func newCorrectnessMap(n int) *CorrectnessMap {
	return &CorrectnessMap{entries: make([]Entry, 0, n), index: make(map[string]int, n)}
}

func (m *CorrectnessMap) set(e Entry) {
	if i, ok := m.index[e.ID]; ok {
		m.entries[i] = e
		return
	}
	m.index[e.ID] = len(m.entries)
	m.entries = append(m.entries, e)
}

// Get returns the entry for id.
func (m *CorrectnessMap) Get(id string) (Entry, bool) {
	i, ok := m.index[id]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// Len is the number of entries.
func (m *CorrectnessMap) Len() int { return len(m.entries) }

// Entries returns the entries in declaration order.
func (m *CorrectnessMap) Entries() []Entry {
	return append([]Entry(nil), m.entries...)
}

// Tags maps response id to correctness.
func (m *CorrectnessMap) Tags() map[string]Correctness {
	out := make(map[string]Correctness, len(m.entries))
	for _, e := range m.entries {
		out[e.ID] = e.Correctness
	}
	return out
}

// AllCorrect reports whether every required response is correct. Optional
// responses left unanswered do not count against it.
func (m *CorrectnessMap) AllCorrect() bool {
	for _, e := range m.entries {
		if e.Optional && e.Correctness == Unanswered {
			continue
		}
		if e.Correctness != Correct {
			return false
		}
	}
	return true
}

// Complete reports whether every required response has a non-unanswered tag.
func (m *CorrectnessMap) Complete() bool {
	for _, e := range m.entries {
		if !e.Optional && e.Correctness == Unanswered {
			return false
		}
	}
	return true
}

// HasInvalid reports whether any submission failed to parse or named an unknown identifier.
func (m *CorrectnessMap) HasInvalid() bool {
	for _, e := range m.entries {
		if e.Invalid {
			return true
		}
	}
	return false
}

// Score sums earned and possible points.
func (m *CorrectnessMap) Score() (earned, possible float64) {
	for _, e := range m.entries {
		earned += e.Score
		possible += e.MaxPoints
	}
	return earned, possible
}

// MarshalJSON writes an object keyed by response id, in declaration order.
func (m *CorrectnessMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.ID)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Equal reports whether both maps hold the same entries in the same order.
func (m *CorrectnessMap) Equal(o *CorrectnessMap) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i := range m.entries {
		if m.entries[i] != o.entries[i] {
			return false
		}
	}
	return true
}
