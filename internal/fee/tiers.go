package fee

import "fmt"

// Tier is an advisory price band for a client-size category. Compute never
// enforces tiers.
type Tier struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	Lower Money  `json:"lower" yaml:"-"`
	Upper Money  `json:"upper" yaml:"-"`
	Note  string `json:"note,omitempty" yaml:"note,omitempty"`
}

// DefaultTiers mirrors the pricing guide used for DC third-party inspections.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "key_large", Lower: Dollars(295), Upper: Dollars(295), Note: "large GC with repeat volume"},
		{Name: "regular", Lower: Dollars(300), Upper: Dollars(350), Note: "established contractor"},
		{Name: "small_repeat", Lower: Dollars(350), Upper: Dollars(375), Note: "small contractor, repeat work"},
		{Name: "one_time", Lower: Dollars(375), Upper: Dollars(400), Note: "one-off project"},
	}
}

// FindTier returns the tier with the given name.
func FindTier(tiers []Tier, name string) (Tier, bool) {
	for _, t := range tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Advise returns a warning when price falls outside the tier, or "" when it
// fits.
func Advise(price Money, t Tier) string {
	if t.Lower > 0 && price < t.Lower {
		return fmt.Sprintf("price %s is below the %s tier (%s-%s)", price, t.Name, t.Lower, t.Upper)
	}
	if t.Upper > 0 && price > t.Upper {
		return fmt.Sprintf("price %s is above the %s tier (%s-%s)", price, t.Name, t.Lower, t.Upper)
	}
	return ""
}

// Suggest returns the lower bound of the named tier, falling back to
// fallback when the tier is unknown.
func Suggest(tiers []Tier, name string, fallback Money) Money {
	if t, ok := FindTier(tiers, name); ok && t.Lower > 0 {
		return t.Lower
	}
	return fallback
}
