package entries

import (
	"math"
	"strconv"
	"strings"
)

type Category string

const (
	CategoryBeer      Category = "beer"
	CategoryWine      Category = "wine"
	CategorySekt      Category = "sekt"
	CategoryLongdrink Category = "longdrink"
	CategoryShot      Category = "shot"
	CategoryOther     Category = "other"
)

var Categories = []Category{
	CategoryBeer,
	CategoryWine,
	CategorySekt,
	CategoryLongdrink,
	CategoryShot,
	CategoryOther,
}

var categoryLabels = map[Category]string{
	CategoryBeer:      "Beer",
	CategoryWine:      "Wine",
	CategorySekt:      "Sekt",
	CategoryLongdrink: "Longdrink",
	CategoryShot:      "Shot",
	CategoryOther:     "Other",
}

var sizePresets = map[Category][]float64{
	CategoryBeer:      {0.33, 0.5, 1.0},
	CategoryWine:      {0.1, 0.2, 0.75},
	CategorySekt:      {0.1, 0.2},
	CategoryLongdrink: {0.2, 0.3},
	CategoryShot:      {0.02, 0.04},
	CategoryOther:     {0.1, 0.2, 0.3, 0.4, 0.5, 1.0},
}

// Default ABV in percent. Other has no default.
var defaultAbv = map[Category]float64{
	CategoryBeer:      5,
	CategoryWine:      12,
	CategorySekt:      11,
	CategoryLongdrink: 12,
	CategoryShot:      35,
}

func (c Category) Valid() bool {
	_, ok := sizePresets[c]
	return ok
}

func (c Category) Label() string {
	if label, ok := categoryLabels[c]; ok {
		return label
	}
	return string(c)
}

// SizePresets returns a copy of the preset sizes in liters.
func (c Category) SizePresets() []float64 {
	return append([]float64(nil), sizePresets[c]...)
}

func (c Category) DefaultAbv() (float64, bool) {
	v, ok := defaultAbv[c]
	return v, ok
}

func (c Category) HasPreset(sizeL float64) bool {
	for _, preset := range sizePresets[c] {
		if math.Abs(preset-sizeL) < 1e-9 {
			return true
		}
	}
	return false
}

func ParseCategory(value string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(value)))
	return c, c.Valid()
}

type VolumeUnit string

const (
	UnitLiter      VolumeUnit = "l"
	UnitMilliliter VolumeUnit = "ml"
	UnitCentiliter VolumeUnit = "cl"
	UnitOunce      VolumeUnit = "oz"
)

const ouncesPerLiter = 33.814

func (u VolumeUnit) Valid() bool {
	switch u {
	case UnitLiter, UnitMilliliter, UnitCentiliter, UnitOunce:
		return true
	}
	return false
}

// FormatSize renders a volume in the given display unit, e.g. "0.5 L",
// "330 ml", "33 cl" or "16.9 oz".
func FormatSize(sizeL float64, unit VolumeUnit) string {
	switch unit {
	case UnitMilliliter:
		return strconv.FormatInt(int64(math.Round(sizeL*1000)), 10) + " ml"
	case UnitCentiliter:
		return strconv.FormatInt(int64(math.Round(sizeL*100)), 10) + " cl"
	case UnitOunce:
		return trimNumber(sizeL*ouncesPerLiter, 1) + " oz"
	default:
		return trimNumber(sizeL, 2) + " L"
	}
}

func trimNumber(value float64, decimals int) string {
	out := strconv.FormatFloat(value, 'f', decimals, 64)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(out, "0")
		out = strings.TrimSuffix(out, ".")
	}
	return out
}
