package schema

import (
	"embed"
)

// Built-in schemas ship with the binary so a fresh install can extract
// without a schemas directory. Files in the configured directory override
// these by name.

//go:embed defaults/*.yaml
var defaultsFS embed.FS
