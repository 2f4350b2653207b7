package labs

import "errors"

// ErrNoPages is returned when a PDF yields zero renderable pages.
var ErrNoPages = errors.New("document has no renderable pages")

// ErrNoTests is returned when no test value could be recognized on any page.
var ErrNoTests = errors.New("no test values recognized on any page")
