package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"upbit-bot/internal/auth"
	"upbit-bot/internal/db"
	"upbit-bot/internal/models"
	"upbit-bot/internal/ratelimit"
	"upbit-bot/internal/session"
	"upbit-bot/internal/upbit"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	AuthService *auth.AuthService
	Registry    *session.Registry
	Limiter     *ratelimit.Limiter
	Log         *zap.Logger

	// NewClient builds the per-user exchange client. Tests swap it for
	// one pointed at a local server.
	NewClient func(accessKey, secretKey string) *upbit.Client
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, authService *auth.AuthService, registry *session.Registry, limiter *ratelimit.Limiter, log *zap.Logger) *Handler {
	h := &Handler{
		DB:          database,
		AuthService: authService,
		Registry:    registry,
		Limiter:     limiter,
		Log:         log,
	}
	h.NewClient = func(accessKey, secretKey string) *upbit.Client {
		return upbit.NewClient(accessKey, secretKey, limiter, log)
	}
	return h
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, username, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "user_id", userID)
		ctx = context.WithValue(ctx, "username", username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) (int, string, bool) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		return 0, "", false
	}
	username, _ := r.Context().Value("username").(string)
	return userID, username, true
}

// ConnectExchange verifies the submitted API keys against the exchange
// and opens a trading session for the user. An existing session is torn
// down and replaced.
func (h *Handler) ConnectExchange(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := requestUser(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.AccessKey == "" || req.SecretKey == "" {
		http.Error(w, `{"error": "Access key and secret key required"}`, http.StatusBadRequest)
		return
	}

	client := h.NewClient(req.AccessKey, req.SecretKey)
	accounts, err := client.Accounts(r.Context())
	if err != nil {
		if errors.Is(err, upbit.ErrRateLimited) {
			http.Error(w, `{"error": "Exchange is rate limiting, try again later"}`, http.StatusTooManyRequests)
			return
		}
		h.Log.Warn("exchange key verification failed", zap.Int("user_id", userID), zap.Error(err))
		http.Error(w, `{"error": "Exchange rejected the API keys"}`, http.StatusUnauthorized)
		return
	}

	sess := h.Registry.Create(userID, username)
	h.Registry.UpdateCredentials(sess, req.AccessKey, req.SecretKey)
	h.Registry.SetClient(sess, client)
	h.Registry.UpdateLoginStatus(sess, true, accounts)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Exchange connected",
		"status":  sess.Status(),
	})
}

// DisconnectExchange tears down the user's trading session and waits
// for its loops to unwind
func (h *Handler) DisconnectExchange(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requestUser(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	h.Registry.RemoveAndWait(r.Context(), userID)
	json.NewEncoder(w).Encode(map[string]string{"message": "Exchange disconnected"})
}

// ExchangeStatus reports whether the user has a live session and
// whether its trading engine is running
func (h *Handler) ExchangeStatus(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requestUser(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	sess, ok := h.Registry.Get(userID)
	if !ok {
		json.NewEncoder(w).Encode(map[string]interface{}{"connected": false})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"connected": true,
		"running":   sess.Engine.Running(),
		"status":    sess.Status(),
	})
}

// ExchangeCapacity reports remaining admission capacity per call class
func (h *Handler) ExchangeCapacity(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(h.Limiter.RemainingCapacity())
}

// StartTrading starts the session's trading engine
func (h *Handler) StartTrading(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requestUser(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	sess, ok := h.Registry.Get(userID)
	if !ok || sess.Client() == nil {
		http.Error(w, `{"error": "No exchange connection"}`, http.StatusConflict)
		return
	}

	sess.Engine.Start(sess.Client())
	json.NewEncoder(w).Encode(map[string]string{"message": "Trading started"})
}

// StopTrading stops the session's trading engine and waits for it
func (h *Handler) StopTrading(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requestUser(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	sess, ok := h.Registry.Get(userID)
	if !ok {
		http.Error(w, `{"error": "No exchange connection"}`, http.StatusConflict)
		return
	}

	if err := sess.Engine.StopAndWait(r.Context()); err != nil {
		http.Error(w, `{"error": "Timed out waiting for engine to stop"}`, http.StatusGatewayTimeout)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Trading stopped"})
}

// PlaceOrder submits a market order through the user's session and
// records it in the order history
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requestUser(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	sess, ok := h.Registry.Get(userID)
	if !ok || sess.Client() == nil {
		http.Error(w, `{"error": "No exchange connection"}`, http.StatusConflict)
		return
	}

	var req struct {
		Market string `json:"market"`
		Side   string `json:"side"`
		Price  string `json:"price"`
		Volume string `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Market == "" {
		http.Error(w, `{"error": "Market required"}`, http.StatusBadRequest)
		return
	}

	var (
		placed *upbit.Order
		err    error
	)
	switch req.Side {
	case "bid":
		price, perr := decimal.NewFromString(req.Price)
		if perr != nil || !price.IsPositive() {
			http.Error(w, `{"error": "Price must be a positive number"}`, http.StatusBadRequest)
			return
		}
		placed, err = sess.Client().BuyMarket(r.Context(), req.Market, price)
	case "ask":
		volume, verr := decimal.NewFromString(req.Volume)
		if verr != nil || !volume.IsPositive() {
			http.Error(w, `{"error": "Volume must be a positive number"}`, http.StatusBadRequest)
			return
		}
		placed, err = sess.Client().SellMarket(r.Context(), req.Market, volume)
	default:
		http.Error(w, `{"error": "Side must be 'bid' or 'ask'"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, upbit.ErrRateLimited) {
			http.Error(w, `{"error": "Exchange is rate limiting, try again later"}`, http.StatusTooManyRequests)
			return
		}
		h.Log.Error("order placement failed", zap.Int("user_id", userID), zap.String("market", req.Market), zap.Error(err))
		http.Error(w, `{"error": "Failed to place order"}`, http.StatusBadGateway)
		return
	}

	record := &models.Order{
		UserID:       userID,
		ExchangeUUID: placed.UUID,
		Market:       placed.Market,
		Side:         placed.Side,
		OrdType:      placed.OrdType,
		State:        placed.State,
	}
	if placed.Price != nil {
		record.Price = placed.Price.String()
	}
	if placed.Volume != nil {
		record.Volume = placed.Volume.String()
	}

	dbOrder, err := h.DB.CreateOrder(r.Context(), record)
	if err != nil {
		h.Log.Error("order placed but not recorded", zap.String("uuid", placed.UUID), zap.Error(err))
		http.Error(w, `{"error": "Order placed but failed to record"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Order placed",
		"order":   dbOrder,
	})
}

// GetUserOrders retrieves a user's order history
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requestUser(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve orders"}`, http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}

	json.NewEncoder(w).Encode(orders)
}
