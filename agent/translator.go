package agent

import (
	"context"
	"errors"

	"github.com/hazyhaar/domdrive/drive"
)

// Translator turns free-form operator text into an action batch. The
// agent ships without one; NATURAL_COMMAND and SELF_IMPROVE report a
// structured not-configured error until an implementation is plugged in.
type Translator interface {
	Translate(ctx context.Context, text string) ([]drive.Action, error)
}

// ErrNoTranslator is returned when a language command arrives and no
// Translator is configured.
var ErrNoTranslator = errors.New("agent: no translator configured")
