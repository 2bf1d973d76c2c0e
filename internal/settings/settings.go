// Package settings stores the user's local display preferences next to
// the pending queue.
package settings

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/go-playground/validator/v10"
)

const StorageKey = "local_settings_v1"

type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

type Settings struct {
	Unit            entries.VolumeUnit `json:"unit" validate:"oneof=l ml cl oz"`
	DefaultCategory entries.Category   `json:"defaultCategory" validate:"oneof=beer wine sekt longdrink shot other"`
	DefaultSizeL    float64            `json:"defaultSizeL" validate:"gt=0"`
	ThemeMode       string             `json:"themeMode" validate:"oneof=light dark"`
	ThemeAccent     string             `json:"themeAccent" validate:"oneof=beer wine vodka caipirinha"`
}

func Defaults() Settings {
	return Settings{
		Unit:            entries.UnitLiter,
		DefaultCategory: entries.CategoryBeer,
		DefaultSizeL:    0.33,
		ThemeMode:       "light",
		ThemeAccent:     "beer",
	}
}

var validate = validator.New()

// Normalize resets each invalid field to its default. The default size
// must be a preset of the default category, otherwise the category's
// first preset is used.
func Normalize(s Settings) Settings {
	defaults := Defaults()
	var fieldErrs validator.ValidationErrors
	if err := validate.Struct(s); errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			switch fe.StructField() {
			case "Unit":
				s.Unit = defaults.Unit
			case "DefaultCategory":
				s.DefaultCategory = defaults.DefaultCategory
			case "ThemeMode":
				s.ThemeMode = defaults.ThemeMode
			case "ThemeAccent":
				s.ThemeAccent = defaults.ThemeAccent
			}
		}
	}
	if !s.DefaultCategory.HasPreset(s.DefaultSizeL) {
		s.DefaultSizeL = s.DefaultCategory.SizePresets()[0]
	}
	return s
}

// Load never fails: a missing, unreadable or corrupt value yields the
// defaults.
func Load(store Store) Settings {
	if store == nil {
		return Defaults()
	}
	raw, ok, err := store.Get(StorageKey)
	if err != nil || !ok || strings.TrimSpace(raw) == "" {
		return Defaults()
	}
	s := Defaults()
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Defaults()
	}
	return Normalize(s)
}

func Save(store Store, s Settings) error {
	data, err := json.Marshal(Normalize(s))
	if err != nil {
		return err
	}
	return store.Set(StorageKey, string(data))
}

// Update loads, applies fn and saves. The saved value is returned.
func Update(store Store, fn func(*Settings)) (Settings, error) {
	s := Load(store)
	fn(&s)
	s = Normalize(s)
	if err := Save(store, s); err != nil {
		return s, err
	}
	return s, nil
}
