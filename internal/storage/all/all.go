// Package all links every warehouse backend into the binary.
package all

import (
	_ "pricestar/internal/storage/mssql"
	_ "pricestar/internal/storage/postgres"
	_ "pricestar/internal/storage/sqlite"
)
