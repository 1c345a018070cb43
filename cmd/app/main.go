package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/luckshury/whop-web-app/internal/di"
	"github.com/luckshury/whop-web-app/pkg/config"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
