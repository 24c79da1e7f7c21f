package main

import (
	"fmt"
	"log"
	"os"

	"github.com/extension-analysis/extension-analysis-go/internal/config"
	"github.com/extension-analysis/extension-analysis-go/internal/repository"
)

func main() {
	// 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	// InitDB 内部执行 AutoMigrate
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	fmt.Printf("✓ Migration completed successfully (%s)\n", cfg.Database.Type)
}
