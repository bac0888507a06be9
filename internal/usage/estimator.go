// Package usage estimates token usage for streams whose provider never
// reported it.
//
// DESIGN: Estimation feeds the per-dispatch observability record only; it
// is never injected into the canonical stream, so callers can always tell
// reported usage (a usage event) from estimated usage (a record field).
// Counting uses tiktoken's cl100k_base encoding as a provider-neutral
// approximation; when the encoding cannot be loaded (offline), a
// bytes-per-token heuristic keeps records populated.
package usage

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// fallbackBytesPerToken approximates English-ish text when tiktoken's
// encoding data is unavailable.
const fallbackBytesPerToken = 4

// Estimator counts tokens in accumulated stream text.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator creates an estimator. Encoding data loads lazily on first
// use so startup never blocks on it.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Count returns the estimated token count for text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}

	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			log.Warn().Err(err).Msg("usage: tiktoken encoding unavailable, using byte heuristic")
			return
		}
		e.enc = enc
	})

	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}

	n := len(text) / fallbackBytesPerToken
	if n == 0 && utf8.RuneCountInString(text) > 0 {
		n = 1
	}
	return n
}
