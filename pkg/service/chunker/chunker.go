package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// Config bounds the size of chunks. Tokens are whitespace-delimited words.
type Config struct {
	MaxTokens     int
	OverlapTokens int
}

// DefaultConfig returns the default chunk size and overlap
func DefaultConfig() Config {
	return Config{MaxTokens: 500, OverlapTokens: 50}
}

// Validate checks that the configuration can make progress
func (c Config) Validate() error {
	if c.MaxTokens < 1 {
		return goerr.Wrap(model.ErrInvalidArgument, "max_tokens must be positive", goerr.V("max_tokens", c.MaxTokens))
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.MaxTokens {
		return goerr.Wrap(model.ErrInvalidArgument, "overlap_tokens must be in [0, max_tokens)",
			goerr.V("max_tokens", c.MaxTokens),
			goerr.V("overlap_tokens", c.OverlapTokens))
	}
	return nil
}

// Chunker splits document text into overlapping chunks
type Chunker struct {
	cfg Config
}

// New creates a Chunker after validating cfg
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Config returns the chunker configuration
func (c *Chunker) Config() Config {
	return c.cfg
}

type token struct {
	start, end int
}

// Chunk splits text into chunks of at most MaxTokens tokens. Consecutive
// chunks share OverlapTokens tokens. Chunks end at sentence or paragraph
// boundaries when one fits and are cut mid-sentence otherwise.
//
// Each chunk carries its byte span in text. The first chunk starts at 0,
// the last one ends at len(text), and every other chunk ends where the
// next chunk's new content begins, so model.ReconstructText returns text
// unchanged.
func (c *Chunker) Chunk(docID model.DocumentID, text string) ([]*model.Chunk, error) {
	if err := validateText(text); err != nil {
		return nil, goerr.Wrap(err, "cannot chunk document", goerr.V(model.DocumentIDKey, docID))
	}

	tokens := tokenize(text)
	boundary := boundaries(text, tokens)
	n := len(tokens)
	maxTokens, overlap := c.cfg.MaxTokens, c.cfg.OverlapTokens

	var chunks []*model.Chunk
	for cs := 0; ; {
		ce := n
		if n-cs > maxTokens {
			ce = cs + maxTokens
			for b := cs + maxTokens; b > cs+overlap; b-- {
				if boundary[b] {
					ce = b
					break
				}
			}
		}

		start := tokens[cs].start
		if cs == 0 {
			start = 0
		}
		end := len(text)
		if ce < n {
			end = tokens[ce].start
		}

		seq := len(chunks)
		chunks = append(chunks, &model.Chunk{
			ID:            model.NewChunkID(docID, seq),
			DocumentID:    docID,
			SequenceIndex: seq,
			Text:          text[start:end],
			TokenCount:    ce - cs,
			Start:         start,
			End:           end,
		})

		if ce == n {
			break
		}
		cs = ce - overlap
	}

	return chunks, nil
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return goerr.Wrap(model.ErrChunking, "document text is empty")
	}
	if !utf8.ValidString(text) {
		return goerr.Wrap(model.ErrChunking, "document text is not valid UTF-8")
	}
	if strings.IndexByte(text, 0) >= 0 {
		return goerr.Wrap(model.ErrChunking, "document text contains NUL bytes")
	}
	return nil
}

func tokenize(text string) []token {
	var tokens []token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, token{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{start: start, end: len(text)})
	}
	return tokens
}

// boundaries marks positions 0..len(tokens) where a chunk may end. Position
// b means "before token b": the previous token ends a sentence or a blank
// line separates the two.
func boundaries(text string, tokens []token) []bool {
	b := make([]bool, len(tokens)+1)
	b[0] = true
	b[len(tokens)] = true
	for i := 1; i < len(tokens); i++ {
		prev := text[tokens[i-1].start:tokens[i-1].end]
		gap := text[tokens[i-1].end:tokens[i].start]
		b[i] = endsSentence(prev) || strings.Count(gap, "\n") >= 2
	}
	return b
}

func endsSentence(word string) bool {
	word = strings.TrimRight(word, "\"')]}»”’")
	r, _ := utf8.DecodeLastRuneInString(word)
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// CountTokens returns the number of tokens the chunker sees in text
func CountTokens(text string) int {
	return len(tokenize(text))
}
