package utils

// Truncate keeps at most maxLen bytes of s, appending "..." when cut (so a
// cut result is maxLen+3 bytes long).
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
