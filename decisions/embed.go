// Package decisions provides the sample decision documents bundled with the module.
package decisions

import "embed"

// FS contains the embedded sample decision documents.
//
//go:embed samples/*.json
var FS embed.FS

// Dir is the root directory within the embedded filesystem.
const Dir = "samples"
