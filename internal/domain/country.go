package domain

import (
	"fmt"

	"golang.org/x/text/language"
)

// ValidateCountry は国コードがISO 3166-1 alpha-2の国であることを検証する。
func ValidateCountry(code string) error {
	if len(code) != 2 || code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return fmt.Errorf("%w: %q", ErrInvalidCountry, code)
	}
	region, err := language.ParseRegion(code)
	if err != nil || !region.IsCountry() {
		return fmt.Errorf("%w: %q", ErrInvalidCountry, code)
	}
	return nil
}
