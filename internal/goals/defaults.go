package goals

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"
)

type defaultsFile struct {
	Habits []NewHabit `yaml:"habits"`
}

// LoadDefaults reads default habit definitions from a YAML or JSON file with
// a top-level "habits" list. Every entry is validated.
func LoadDefaults(path string) ([]NewHabit, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefaults(b)
}

func ParseDefaults(b []byte) ([]NewHabit, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f defaultsFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("default habits file is empty")
		}
		return nil, fmt.Errorf("parse default habits: %w", err)
	}
	if f.Habits == nil {
		return nil, errors.New(`default habits file must contain a "habits" list`)
	}
	for i, h := range f.Habits {
		if err := ValidateNew(h); err != nil {
			return nil, fmt.Errorf("habit at index %d: %w", i, err)
		}
	}
	return f.Habits, nil
}

// BuiltinDefaults is used when no defaults file is configured.
func BuiltinDefaults() []NewHabit {
	delay := DefaultFollowUpDelay
	return []NewHabit{
		{Name: "Exercise", Description: "At least 30 minutes of movement", TargetFrequency: 5, CheckInTime: "18:00", FollowUpDelay: &delay},
		{Name: "Read", Description: "Read for 20 minutes", TargetFrequency: 7, CheckInTime: "21:00", FollowUpDelay: &delay},
		{Name: "Meditate", Description: "Ten minutes of quiet", TargetFrequency: 5, CheckInTime: CheckInAnytime, FollowUpDelay: &delay},
	}
}
