package auth

import (
	"strings"
	"unicode"
)

const (
	minPasswordLength    = 8
	strongPasswordLength = 12
	specialCharacters    = `!@#$%^&*(),.?":{}|<>`
)

// PasswordStrength is the outcome of ValidatePasswordStrength. Issues lists
// every unmet mandatory rule; a missing special character is reported as a
// suggestion but does not make the password invalid.
type PasswordStrength struct {
	Valid       bool     `json:"valid"`
	Score       int      `json:"score"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ValidatePasswordStrength checks length >= 8 and the presence of lowercase,
// uppercase and digit characters. Special characters, length >= 12 and
// character diversity raise the score.
func ValidatePasswordStrength(password string) PasswordStrength {
	result := PasswordStrength{Valid: true}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	distinct := make(map[rune]struct{})
	length := 0
	for _, r := range password {
		length++
		distinct[r] = struct{}{}
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
		if strings.ContainsRune(specialCharacters, r) {
			hasSpecial = true
		}
	}

	check := func(ok bool, issue string) {
		if ok {
			result.Score++
			return
		}
		result.Valid = false
		result.Issues = append(result.Issues, issue)
	}

	check(length >= minPasswordLength, "Password must be at least 8 characters long")
	check(hasLower, "Password must contain lowercase letters")
	check(hasUpper, "Password must contain uppercase letters")
	check(hasDigit, "Password must contain numbers")

	if hasSpecial {
		result.Score++
	} else {
		result.Suggestions = append(result.Suggestions, "Password should contain special characters")
	}
	if length >= strongPasswordLength {
		result.Score++
	}
	if length > 0 && float64(len(distinct)) >= float64(length)*0.7 {
		result.Score++
	}

	return result
}
