package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xtrntr/stocksim/internal/auth"
	"github.com/xtrntr/stocksim/internal/broker"
	"github.com/xtrntr/stocksim/internal/events"
	"github.com/xtrntr/stocksim/internal/models"
	"github.com/xtrntr/stocksim/internal/quote"
	"github.com/xtrntr/stocksim/internal/store"
	"github.com/xtrntr/stocksim/internal/valuation"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Handler contains dependencies for HTTP handlers
type Handler struct {
	AuthService *auth.AuthService
	Broker      *broker.Broker
	Valuation   *valuation.Engine
	Quotes      quote.Provider
	Hub         *events.Hub
}

// NewHandler creates a new handler
func NewHandler(authService *auth.AuthService, b *broker.Broker, v *valuation.Engine, quotes quote.Provider, hub *events.Hub) *Handler {
	return &Handler{AuthService: authService, Broker: b, Valuation: v, Quotes: quotes, Hub: hub}
}

type contextKey string

const (
	userIDKey contextKey = "user_id"
	tokenKey  contextKey = "token"
)

// UserIDFromContext returns the authenticated user id set by JWTAuthMiddleware
func UserIDFromContext(ctx context.Context) (int, bool) {
	userID, ok := ctx.Value(userIDKey).(int)
	return userID, ok
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("Failed to write response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors onto status codes. Unknown errors are
// logged and hidden from the client.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, broker.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, broker.ErrInsufficientFunds),
		errors.Is(err, broker.ErrInsufficientShares):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, quote.ErrUnknownSymbol):
		respondError(w, http.StatusBadRequest, "invalid symbol")
	case errors.Is(err, quote.ErrQuoteUnavailable):
		respondError(w, http.StatusBadRequest, "quote service unavailable, try again later")
	case errors.Is(err, store.ErrDuplicateUsername):
		respondError(w, http.StatusBadRequest, "username already exists")
	case errors.Is(err, auth.ErrAuthenticationFailed), errors.Is(err, store.ErrUserNotFound):
		respondError(w, http.StatusUnauthorized, "invalid or expired token")
	default:
		zap.L().Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// parsePositiveInt accepts a JSON number or a string holding a whole
// positive number.
func parsePositiveInt(raw json.RawMessage, field string) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, fmt.Errorf("%w: must provide %s", broker.ErrInvalidInput, field)
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %s must be a positive integer", broker.ErrInvalidInput, field)
		}
		s = strings.TrimSpace(s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", broker.ErrInvalidInput, field)
	}
	return n, nil
}

func bearerToken(r *http.Request) string {
	tokenString := r.Header.Get("Authorization")
	// Remove "Bearer " prefix if present
	if len(tokenString) > 7 && strings.EqualFold(tokenString[:7], "Bearer ") {
		tokenString = tokenString[7:]
	}
	return strings.TrimSpace(tokenString)
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			respondError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		userID, err := h.AuthService.Authenticate(r.Context(), tokenString)
		if err != nil {
			respondErr(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, tokenKey, tokenString)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
	}
	return userID, ok
}

// Register handles user registration and logs the new user in
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username     string `json:"username"`
		Password     string `json:"password"`
		Confirmation string `json:"confirmation"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password, req.Confirmation)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"token":    token,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrAuthenticationFailed) {
		respondError(w, http.StatusForbidden, "invalid username and/or password")
		return
	}
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Logout revokes the caller's token
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	tokenString, _ := r.Context().Value(tokenKey).(string)
	if err := h.AuthService.Logout(r.Context(), tokenString); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

type positionResponse struct {
	Symbol   string          `json:"symbol"`
	Name     string          `json:"name"`
	Shares   int64           `json:"shares"`
	Price    decimal.Decimal `json:"price"`
	PriceUSD string          `json:"price_usd"`
	Value    decimal.Decimal `json:"value"`
	ValueUSD string          `json:"value_usd"`
}

type portfolioResponse struct {
	Positions []positionResponse `json:"positions"`
	Cash      decimal.Decimal    `json:"cash"`
	CashUSD   string             `json:"cash_usd"`
	Total     decimal.Decimal    `json:"total"`
	TotalUSD  string             `json:"total_usd"`
}

// GetPortfolio values the caller's holdings at current prices
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	p, err := h.Valuation.Portfolio(r.Context(), userID)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	resp := portfolioResponse{
		Positions: make([]positionResponse, 0, len(p.Positions)),
		Cash:      p.Cash,
		CashUSD:   models.USD(p.Cash),
		Total:     p.Total,
		TotalUSD:  models.USD(p.Total),
	}
	for _, pos := range p.Positions {
		resp.Positions = append(resp.Positions, positionResponse{
			Symbol:   pos.Symbol,
			Name:     pos.Name,
			Shares:   pos.Shares,
			Price:    pos.Price,
			PriceUSD: models.USD(pos.Price),
			Value:    pos.Value,
			ValueUSD: models.USD(pos.Value),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

type transactionResponse struct {
	ID        int             `json:"id"`
	Symbol    string          `json:"symbol"`
	Shares    int64           `json:"shares"`
	Price     decimal.Decimal `json:"price"`
	PriceUSD  string          `json:"price_usd"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
}

func newTransactionResponse(t models.Transaction) transactionResponse {
	return transactionResponse{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Shares:    t.Shares,
		Price:     t.Price,
		PriceUSD:  models.USD(t.Price),
		Type:      t.Type,
		Timestamp: t.CreatedAt,
	}
}

type tradeRequest struct {
	Symbol string          `json:"symbol"`
	Shares json.RawMessage `json:"shares"`
}

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID int, symbol string, shares int64) (*models.Transaction, error), message string) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req tradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		respondError(w, http.StatusBadRequest, "must provide symbol")
		return
	}
	shares, err := parsePositiveInt(req.Shares, "shares")
	if err != nil {
		respondErr(w, r, err)
		return
	}

	tx, err := op(r.Context(), userID, req.Symbol, shares)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message":     message,
		"transaction": newTransactionResponse(*tx),
	})
}

// Buy purchases shares at the current price
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.Broker.Buy, "Bought!")
}

// Sell sells shares at the current price
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.Broker.Sell, "Sold!")
}

// GetSellable lists the symbols the caller currently holds
func (h *Handler) GetSellable(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	holdings, err := h.Valuation.Sellable(r.Context(), userID)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	type sellable struct {
		Symbol string `json:"symbol"`
		Shares int64  `json:"shares"`
	}
	resp := make([]sellable, 0, len(holdings))
	for _, hold := range holdings {
		resp = append(resp, sellable{Symbol: hold.Symbol, Shares: hold.Shares})
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetHistory retrieves the caller's transactions, newest first
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	history, err := h.Valuation.History(r.Context(), userID)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	resp := make([]transactionResponse, 0, len(history))
	for _, t := range history {
		resp = append(resp, newTransactionResponse(t))
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetQuote looks up the current price of a symbol
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := quote.Normalize(r.URL.Query().Get("symbol"))
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "must provide symbol")
		return
	}

	q, err := h.Quotes.Lookup(r.Context(), symbol)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    q.Symbol,
		"name":      q.Name,
		"price":     q.Price,
		"price_usd": models.USD(q.Price),
	})
}

// DepositCash adds whole currency units to the caller's cash
func (h *Handler) DepositCash(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount json.RawMessage `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := parsePositiveInt(req.Amount, "amount")
	if err != nil {
		respondErr(w, r, err)
		return
	}

	balance, err := h.Broker.DepositCash(r.Context(), userID, decimal.NewFromInt(amount))
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Cash added!",
		"cash":     balance,
		"cash_usd": models.USD(balance),
	})
}

// Events streams the caller's transactions over a websocket. Browsers
// cannot set headers on upgrade requests, so the token may also be passed
// as a query parameter.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString = bearerToken(r)
	}
	if tokenString == "" {
		respondError(w, http.StatusUnauthorized, "token required")
		return
	}
	userID, err := h.AuthService.Authenticate(r.Context(), tokenString)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	h.Hub.Serve(w, r, userID)
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
