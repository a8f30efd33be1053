package whatsapp

import "strings"

// MaxTextLen is the hard per-message size limit for outbound text.
const MaxTextLen = 3800

// ChunkText splits input into chunks of at most limit bytes, keeping lines
// together where possible. A line longer than limit is hard-split. Empty
// input yields a single empty chunk.
func ChunkText(input string, limit int) []string {
	if limit <= 0 || len(input) <= limit {
		return []string{input}
	}

	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.Split(input, "\n") {
		// Hard-split lines that can never fit.
		for len(line) > limit {
			flush()
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}

		need := len(line)
		if cur.Len() > 0 {
			need++ // joining newline
		}
		if cur.Len()+need > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}
