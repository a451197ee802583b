package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/novaai/novachat/internal/chat"
	"github.com/novaai/novachat/internal/models"
)

// Connect opens the MySQL database and runs automigrations.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}

	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Chat{},
		&chat.Message{},
		&chat.ReplyJob{},
	); err != nil {
		log.Fatalf("db automigrate: %v", err)
	}

	return gdb
}
