package migrations

import "embed"

//go:embed archivedb
var FS embed.FS
