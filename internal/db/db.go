package db

import (
	"context"
	"fmt"

	"upbit-bot/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateOrder records an order the bot placed on the exchange
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	// Validate order
	if order.Side != "bid" && order.Side != "ask" {
		return nil, fmt.Errorf("side must be 'bid' or 'ask'")
	}
	if order.Market == "" {
		return nil, fmt.Errorf("market must not be empty")
	}
	if order.ExchangeUUID == "" {
		return nil, fmt.Errorf("exchange uuid must not be empty")
	}

	// Verify user exists
	var exists bool
	err := db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", order.UserID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check user existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("user not found")
	}

	newOrder := &models.Order{}
	err = db.Pool.QueryRow(ctx,
		"INSERT INTO bot_orders (user_id, exchange_uuid, market, side, ord_type, price, volume, state) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) "+
			"RETURNING id, user_id, exchange_uuid, market, side, ord_type, price, volume, state, created_at",
		order.UserID, order.ExchangeUUID, order.Market, order.Side, order.OrdType, order.Price, order.Volume, order.State).Scan(
		&newOrder.ID, &newOrder.UserID, &newOrder.ExchangeUUID, &newOrder.Market, &newOrder.Side,
		&newOrder.OrdType, &newOrder.Price, &newOrder.Volume, &newOrder.State, &newOrder.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return newOrder, nil
}

// UpdateOrderState updates the exchange-side state of a recorded order
func (db *DB) UpdateOrderState(ctx context.Context, exchangeUUID, state string) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE bot_orders SET state = $1 WHERE exchange_uuid = $2", state, exchangeUUID)
	if err != nil {
		return fmt.Errorf("failed to update order state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order not found")
	}
	return nil
}

// GetUserOrders retrieves a user's order history, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, exchange_uuid, market, side, ord_type, price, volume, state, created_at "+
			"FROM bot_orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := rows.Scan(&order.ID, &order.UserID, &order.ExchangeUUID, &order.Market, &order.Side,
			&order.OrdType, &order.Price, &order.Volume, &order.State, &order.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrderByUUID retrieves one recorded order by exchange uuid, scoped to the
// owning user so no caller can read another user's history
func (db *DB) GetOrderByUUID(ctx context.Context, exchangeUUID string, userID int) (*models.Order, error) {
	order := &models.Order{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, user_id, exchange_uuid, market, side, ord_type, price, volume, state, created_at "+
			"FROM bot_orders WHERE exchange_uuid = $1 AND user_id = $2",
		exchangeUUID, userID).Scan(&order.ID, &order.UserID, &order.ExchangeUUID, &order.Market, &order.Side,
		&order.OrdType, &order.Price, &order.Volume, &order.State, &order.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("order not found or not owned by user")
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}
