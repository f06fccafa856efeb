package delivery

// Split breaks text into chunks of at most limit runes. It prefers paragraph
// breaks, then line breaks, then spaces, and cuts hard only when a chunk has
// none of them. Separators stay at the end of their chunk, so joining the
// chunks gives back text unchanged.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	chunks := make([]string, 0, len(runes)/limit+1)
	for len(runes) > limit {
		cut := splitPoint(runes[:limit])
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func splitPoint(window []rune) int {
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == '\n' && window[i-1] == '\n' {
			return i + 1
		}
	}
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == ' ' || window[i] == '\t' {
			return i + 1
		}
	}
	return len(window)
}

// Clip cuts text to at most limit runes, ending with marker when something
// was removed.
func Clip(text string, limit int, marker string) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	markerRunes := []rune(marker)
	keep := limit - len(markerRunes)
	if keep < 0 {
		return string(markerRunes[:limit])
	}
	return string(runes[:keep]) + marker
}
