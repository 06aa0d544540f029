package circadian

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Activity is one candidate behavior inside an hour archetype. Weight is
// the keep probability at full intensity; the hour's intensity scales it
// down during quieter parts of the day.
type Activity struct {
	Kind     SlotKind
	Weight   float64
	Duration time.Duration
}

// Archetype groups the behaviors typical of one span of the day.
type Archetype struct {
	Name       string
	Activities []Activity
}

// Template drives day-plan construction: which archetype governs each
// hour, how intense the agent is across the day, and the chance knobs
// for dropped and binged slots.
type Template struct {
	Intensity  [24]float64
	Hours      [24]string
	Archetypes map[string]Archetype
	Drop       float64
	Binge      float64
}

// DefaultTemplate returns the built-in day shape: a slow morning ramp,
// a midday bump, and a heavy evening peak.
func DefaultTemplate() Template {
	t := Template{
		Intensity: [24]float64{
			0.05, 0.03, 0.02, 0.02, 0.02, 0.05,
			0.25, 0.45, 0.60, 0.55, 0.50, 0.55,
			0.70, 0.60, 0.45, 0.40, 0.45, 0.55,
			0.75, 0.90, 1.00, 0.95, 0.70, 0.35,
		},
		Drop:  0.10,
		Binge: 0.05,
		Archetypes: map[string]Archetype{
			"night": {Name: "night", Activities: []Activity{
				{Kind: SlotHomeFeed, Weight: 0.3, Duration: 5 * time.Minute},
				{Kind: SlotExplore, Weight: 0.2, Duration: 4 * time.Minute},
			}},
			"waking": {Name: "waking", Activities: []Activity{
				{Kind: SlotHomeFeed, Weight: 0.9, Duration: 6 * time.Minute},
				{Kind: SlotEngageReplies, Weight: 0.5, Duration: 5 * time.Minute},
				{Kind: SlotOwnProfile, Weight: 0.3, Duration: 2 * time.Minute},
			}},
			"morning": {Name: "morning", Activities: []Activity{
				{Kind: SlotHomeFeed, Weight: 0.7, Duration: 8 * time.Minute},
				{Kind: SlotSearchEngage, Weight: 0.6, Duration: 10 * time.Minute},
				{Kind: SlotSearchPeople, Weight: 0.3, Duration: 5 * time.Minute},
			}},
			"midday": {Name: "midday", Activities: []Activity{
				{Kind: SlotHomeFeed, Weight: 0.8, Duration: 7 * time.Minute},
				{Kind: SlotExplore, Weight: 0.5, Duration: 6 * time.Minute},
				{Kind: SlotInfluencerVisit, Weight: 0.4, Duration: 5 * time.Minute},
			}},
			"afternoon": {Name: "afternoon", Activities: []Activity{
				{Kind: SlotSearchEngage, Weight: 0.6, Duration: 10 * time.Minute},
				{Kind: SlotEngageReplies, Weight: 0.5, Duration: 6 * time.Minute},
				{Kind: SlotCreateContent, Weight: 0.35, Duration: 6 * time.Minute},
			}},
			"evening": {Name: "evening", Activities: []Activity{
				{Kind: SlotHomeFeed, Weight: 0.9, Duration: 10 * time.Minute},
				{Kind: SlotEngageReplies, Weight: 0.6, Duration: 7 * time.Minute},
				{Kind: SlotInfluencerVisit, Weight: 0.5, Duration: 6 * time.Minute},
				{Kind: SlotCreateContent, Weight: 0.4, Duration: 6 * time.Minute},
			}},
			"winddown": {Name: "winddown", Activities: []Activity{
				{Kind: SlotHomeFeed, Weight: 0.8, Duration: 8 * time.Minute},
				{Kind: SlotExplore, Weight: 0.4, Duration: 5 * time.Minute},
				{Kind: SlotOwnProfile, Weight: 0.25, Duration: 2 * time.Minute},
			}},
		},
	}
	for h := 0; h < 24; h++ {
		switch {
		case h < 6:
			t.Hours[h] = "night"
		case h < 9:
			t.Hours[h] = "waking"
		case h < 12:
			t.Hours[h] = "morning"
		case h < 14:
			t.Hours[h] = "midday"
		case h < 18:
			t.Hours[h] = "afternoon"
		case h < 22:
			t.Hours[h] = "evening"
		default:
			t.Hours[h] = "winddown"
		}
	}
	return t
}

// archetypeFor resolves the archetype governing hour, tolerating names
// an override file points at without defining.
func (t Template) archetypeFor(hour int) Archetype {
	if a, ok := t.Archetypes[t.Hours[hour]]; ok {
		return a
	}
	return Archetype{}
}

type templateFile struct {
	Circadian struct {
		Intensity  map[int]float64 `yaml:"intensity"`
		Hours      map[int]string  `yaml:"hours"`
		Drop       *float64        `yaml:"drop"`
		Binge      *float64        `yaml:"binge"`
		Archetypes map[string]struct {
			Activities []struct {
				Kind      string  `yaml:"kind"`
				Weight    float64 `yaml:"weight"`
				DurationM int     `yaml:"duration_m"`
			} `yaml:"activities"`
		} `yaml:"archetypes"`
	} `yaml:"circadian"`
}

// LoadTemplate reads day-plan overrides from path and applies them on
// top of the built-in template. An empty path returns the built-in
// template unchanged.
func LoadTemplate(path string) (Template, error) {
	t := DefaultTemplate()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, err
	}
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return t, fmt.Errorf("parse circadian template %s: %w", path, err)
	}
	for h, v := range f.Circadian.Intensity {
		if h >= 0 && h < 24 {
			t.Intensity[h] = v
		}
	}
	for h, name := range f.Circadian.Hours {
		if h >= 0 && h < 24 {
			t.Hours[h] = name
		}
	}
	if f.Circadian.Drop != nil {
		t.Drop = *f.Circadian.Drop
	}
	if f.Circadian.Binge != nil {
		t.Binge = *f.Circadian.Binge
	}
	for name, raw := range f.Circadian.Archetypes {
		arch := Archetype{Name: name}
		for _, a := range raw.Activities {
			arch.Activities = append(arch.Activities, Activity{
				Kind:     SlotKind(a.Kind),
				Weight:   a.Weight,
				Duration: time.Duration(a.DurationM) * time.Minute,
			})
		}
		t.Archetypes[name] = arch
	}
	return t, nil
}
