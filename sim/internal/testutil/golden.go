// Package testutil provides shared test infrastructure for the simulator.
// It holds the golden wire messages used by the protocol tests and
// assertion helpers used across sim/ test packages.
package testutil

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// GoldenDataset represents the structure of testdata/golden_messages.json.
type GoldenDataset struct {
	Messages []GoldenMessage `json:"messages"`
}

// GoldenMessage is one reference protocol message.
type GoldenMessage struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Message     json.RawMessage `json:"message"`
}

// LoadGoldenDataset loads the golden dataset from the testdata directory.
// The path is resolved relative to this source file: sim/internal/testutil/ → testdata/.
func LoadGoldenDataset(t *testing.T) *GoldenDataset {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	// Navigate from sim/internal/testutil/ to repo root testdata/
	path := filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "testdata", "golden_messages.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read golden dataset: %v", err)
	}

	var dataset GoldenDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		t.Fatalf("Failed to parse golden dataset: %v", err)
	}

	return &dataset
}

// GoldenMessageBytes returns the golden message called name.
func GoldenMessageBytes(t *testing.T, name string) []byte {
	t.Helper()
	for _, m := range LoadGoldenDataset(t).Messages {
		if m.Name == name {
			return m.Message
		}
	}
	t.Fatalf("No golden message named %q", name)
	return nil
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}
