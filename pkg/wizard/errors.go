package wizard

import "errors"

// ErrAborted signals the user interrupted the wizard (e.g. Ctrl+C).
var ErrAborted = errors.New("wizard: aborted")
