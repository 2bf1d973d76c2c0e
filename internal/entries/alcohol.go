package entries

const (
	EthanolGramsPerLiter = 789.0
	StandardDrinkGrams   = 12.0

	// used for math when an "other" drink has no explicit ABV
	fallbackOtherAbv = 10.0
)

type Totals struct {
	Entries        int     `json:"entries"`
	VolumeL        float64 `json:"volume_l"`
	EthanolGrams   float64 `json:"ethanol_g"`
	StandardDrinks float64 `json:"standard_drinks"`
}

func EffectiveAbv(e Entry) float64 {
	if e.AbvPercent != nil {
		return *e.AbvPercent
	}
	if e.Category == CategoryOther {
		return fallbackOtherAbv
	}
	v, _ := e.Category.DefaultAbv()
	return v
}

func EthanolGrams(e Entry) float64 {
	return e.SizeL * (EffectiveAbv(e) / 100) * EthanolGramsPerLiter
}

func StandardDrinks(ethanolGrams float64) float64 {
	if ethanolGrams <= 0 {
		return 0
	}
	return ethanolGrams / StandardDrinkGrams
}

func SumAlcohol(list []Entry) Totals {
	var totals Totals
	for _, e := range list {
		totals.VolumeL += e.SizeL
		totals.EthanolGrams += EthanolGrams(e)
	}
	totals.Entries = len(list)
	totals.StandardDrinks = StandardDrinks(totals.EthanolGrams)
	return totals
}
