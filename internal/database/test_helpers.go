package database

import "gorm.io/gorm/logger"

// InitForTest opens a fresh database at path with logging silenced and sets DB.
// Use a file under t.TempDir() so every pooled connection sees the same data.
func InitForTest(path string) error {
	return open(path, logger.Silent)
}
