package problem

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	blob := `{"answers":{"p1":"3"},"attempts":2,"correct_map":{"p1":"correct"},` +
		`"custom":{"nested":[1,2]},"done":true,"msgs":{"p1":"ok"},"scores":{"p1":1},"seed":42}`

	s, err := ParseState(blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), s.Seed)
	assert.Equal(t, 2, s.Attempts)
	assert.True(t, s.Done)
	assert.Equal(t, "3", s.Answers["p1"])
	assert.Equal(t, Correct, s.CorrectMap["p1"])
	assert.Equal(t, "ok", s.Messages["p1"])

	out, err := s.Marshal()
	require.NoError(t, err)
	assert.Equal(t, blob, out, "unknown keys survive unchanged")
}

func TestParseStateEdges(t *testing.T) {
	s, err := ParseState("")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = ParseState("{")
	assert.Error(t, err)

	_, err = ParseState(`{"attempts": -1}`)
	assert.Error(t, err)

	_, err = ParseState(`{"seed": "x"}`)
	assert.Error(t, err)

	s, err = ParseState(`{"seed": 7}`)
	require.NoError(t, err)
	assert.NotNil(t, s.Answers)
	assert.NotNil(t, s.CorrectMap)
	out, err := s.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{"answers":{},"attempts":0,"correct_map":{},"done":false,"seed":7}`, out)

	s, err = ParseState(`{"seed": 0}`)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s.Seed, "an explicit zero seed is kept")
}

func TestParseStateWithoutSeed(t *testing.T) {
	for _, blob := range []string{`{}`, `null`, `{"attempts":1}`, `{"seed":null}`} {
		t.Run(blob, func(t *testing.T) {
			seeds := map[uint32]bool{}
			for range 4 {
				s, err := ParseState(blob)
				require.NoError(t, err)
				require.NotNil(t, s)
				seeds[s.Seed] = true
			}
			// Four draws from 2^32 seeds colliding into one is practically impossible.
			assert.Greater(t, len(seeds), 1, "each parse must draw a fresh seed")
		})
	}

	s, err := ParseState(`{"attempts":1}`)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Attempts)
	out, err := s.Marshal()
	require.NoError(t, err)
	again, err := ParseState(out)
	require.NoError(t, err)
	assert.Equal(t, s.Seed, again.Seed, "the drawn seed is persisted")
}

func TestStateRecordAndClear(t *testing.T) {
	cm := newCorrectnessMap(3)
	cm.set(Entry{ID: "a", Correctness: Correct, Score: 1, MaxPoints: 1})
	cm.set(Entry{ID: "b", Correctness: Incorrect, Msg: "try again", MaxPoints: 1})
	cm.set(Entry{ID: "c", Correctness: Unanswered, MaxPoints: 1})

	s := NewState(9)
	s.Answers["a"] = "1"
	s.Attempts = 3
	s.Record(cm)

	assert.Equal(t, map[string]Correctness{"a": Correct, "b": Incorrect, "c": Unanswered}, s.CorrectMap)
	assert.Equal(t, map[string]string{"b": "try again"}, s.Messages)
	assert.Equal(t, map[string]float64{"a": 1, "b": 0}, s.Scores)

	c := s.Clone()
	s.ClearGrades()
	assert.Empty(t, s.Answers)
	assert.Empty(t, s.CorrectMap)
	assert.Nil(t, s.Messages)
	assert.False(t, s.Done)
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, uint32(9), s.Seed)

	assert.Equal(t, "1", c.Answers["a"], "clone is independent")
	assert.Len(t, c.CorrectMap, 3)
}

func TestNewSeedVaries(t *testing.T) {
	seen := map[uint32]bool{}
	for range 8 {
		seen[NewSeed()] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestTolerance(t *testing.T) {
	tests := []struct {
		in         string
		value      float64
		fractional bool
	}{
		{"", 1e-5, true},
		{"0.01", 0.01, false},
		{"5%", 0.05, true},
		{"1m", 0.001, false},
		{" 2 ", 2, false},
	}
	for _, tt := range tests {
		tol, err := ParseTolerance(tt.in)
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.value, tol.Value, 1e-15, tt.in)
		assert.Equal(t, tt.fractional, tol.Fractional, tt.in)
	}

	for _, bad := range []string{"x", "-1", "1/0", "j"} {
		_, err := ParseTolerance(bad)
		assert.Error(t, err, bad)
	}
}

func TestToleranceWithin(t *testing.T) {
	abs, _ := ParseTolerance("0.1")
	assert.True(t, abs.Within(1.05, 1))
	assert.False(t, abs.Within(1.2, 1))

	frac, _ := ParseTolerance("10%")
	assert.True(t, frac.Within(105, 100))
	assert.False(t, frac.Within(0.2, 0))

	inf := complex(1/zero(), 0)
	assert.True(t, abs.Within(inf, inf))
	assert.False(t, abs.Within(inf, 1))
	nan := complex(zero()/zero(), 0)
	assert.False(t, abs.Within(nan, nan))
}

func zero() float64 { return 0 }

func TestSamples(t *testing.T) {
	s, err := ParseSamples("x,y@1,1k:2,2k#5")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, s.Vars)
	assert.Equal(t, []float64{1, 1000}, s.Low)
	assert.Equal(t, []float64{2, 2000}, s.High)
	assert.Equal(t, 5, s.Count)

	points := s.Points(rand.New(rand.NewPCG(1, 2)))
	require.Len(t, points, 5)
	for _, p := range points {
		x, y := real(p["x"]), real(p["y"])
		assert.True(t, x >= 1 && x <= 2, "x=%v", x)
		assert.True(t, y >= 1000 && y <= 2000, "y=%v", y)
	}

	s, err = ParseSamples("t@0:1")
	require.NoError(t, err)
	assert.Equal(t, DefaultSampleCount, s.Count)

	for _, bad := range []string{"x", "x@1", "x@2:1", "x,y@1:2", "x@1:2#0", "@1:2", "x@a:b"} {
		_, err := ParseSamples(bad)
		assert.Error(t, err, bad)
	}
}

func TestSampleRNGStable(t *testing.T) {
	a := sampleRNG(5, "f").Float64()
	b := sampleRNG(5, "f").Float64()
	c := sampleRNG(5, "g").Float64()
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLoaders(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte("x = 1"), 0o644))

	data, err := DirLoader(dir).Load("a.lua")
	require.NoError(t, err)
	assert.Equal(t, "x = 1", string(data))

	_, err = DirLoader(dir).Load("../etc/passwd")
	assert.Error(t, err)

	_, err = MapLoader{}.Load("missing")
	assert.Error(t, err)
}
