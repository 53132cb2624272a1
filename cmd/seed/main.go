package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"upbit-bot/internal/config"
	"upbit-bot/internal/db"
	"upbit-bot/internal/models"

	"golang.org/x/crypto/bcrypt"
)

// Seed the database with demo users and sample order history
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// Skip seeding if order history already exists
	var orderCount int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM bot_orders").Scan(&orderCount); err != nil {
		log.Fatalf("Failed to check orders: %v", err)
	}
	if orderCount > 0 {
		fmt.Printf("Database already has %d orders. No need to seed.\n", orderCount)
		os.Exit(0)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	userIDs := make(map[string]int)
	for _, username := range []string{"trader1", "trader2"} {
		var id int
		err := database.Pool.QueryRow(ctx, "SELECT id FROM users WHERE username = $1", username).Scan(&id)
		if err != nil {
			user, err := database.CreateUser(ctx, username, string(hash))
			if err != nil {
				log.Fatalf("Failed to create %s: %v", username, err)
			}
			id = user.ID
		}
		userIDs[username] = id
	}

	samples := []models.Order{
		{
			UserID:       userIDs["trader1"],
			ExchangeUUID: "seed-0001",
			Market:       "KRW-BTC",
			Side:         "bid",
			OrdType:      "price",
			Price:        "100000",
			State:        "done",
		},
		{
			UserID:       userIDs["trader1"],
			ExchangeUUID: "seed-0002",
			Market:       "KRW-BTC",
			Side:         "ask",
			OrdType:      "market",
			Volume:       "0.00102",
			State:        "done",
		},
		{
			UserID:       userIDs["trader2"],
			ExchangeUUID: "seed-0003",
			Market:       "KRW-ETH",
			Side:         "bid",
			OrdType:      "price",
			Price:        "50000",
			State:        "wait",
		},
	}

	for i := range samples {
		if _, err := database.CreateOrder(ctx, &samples[i]); err != nil {
			log.Fatalf("Failed to create order %s: %v", samples[i].ExchangeUUID, err)
		}
	}

	fmt.Println("Successfully seeded the database with demo users and orders!")
}
