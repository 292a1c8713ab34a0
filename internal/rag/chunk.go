// Package rag turns a user's post history into searchable context:
// greedy chunking of casts, an embedding store over SQLite with
// brute-force cosine search, and a retriever that augments prompts
// with the most relevant history.
package rag

const (
	// MaxChunkSize caps a chunk's character length. A single cast
	// longer than this still becomes its own chunk; casts are never
	// split.
	MaxChunkSize = 3000

	chunkSeparator = "\n\n"
)

// Chunk is one packed group of casts belonging to an owner.
type Chunk struct {
	OwnerFid int64
	Number   int
	Text     string
}

// ChunkCasts greedily packs cast texts into chunks of at most
// MaxChunkSize characters, joined by blank lines. Chunk numbers start
// at 0. Empty texts are skipped.
func ChunkCasts(ownerFid int64, texts []string) []Chunk {
	var chunks []Chunk
	current := ""

	flush := func() {
		if current == "" {
			return
		}
		chunks = append(chunks, Chunk{OwnerFid: ownerFid, Number: len(chunks), Text: current})
		current = ""
	}

	for _, text := range texts {
		if text == "" {
			continue
		}
		candidate := text
		if current != "" {
			candidate = current + chunkSeparator + text
		}
		if len(candidate) > MaxChunkSize && current != "" {
			flush()
			candidate = text
		}
		current = candidate
	}
	flush()
	return chunks
}
