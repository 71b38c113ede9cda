package logger

import "strings"

// RedactEmail masks a contact address for safe logging.
// "anna.petrova@clinic.ru" → "an***@clinic.ru"
// Short local parts (≤2 chars) are fully masked: "ab@clinic.ru" → "***@clinic.ru"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone keeps only the last four digits: "+74951234567" → "***4567".
func RedactPhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) <= 4 {
		return "***"
	}
	return "***" + digits[len(digits)-4:]
}
