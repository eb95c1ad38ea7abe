// Package auth provides Basic and JWT authentication with metrics.
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/sharedav/internal/logging"
	"github.com/fruitsalade/sharedav/internal/metrics"
)

type contextKey string

const (
	userContextKey contextKey = "user"

	tokenIssuer     = "sharedav"
	defaultTokenTTL = 30 * 24 * time.Hour
	credentialCache = 1024
)

// ErrInvalidCredentials is returned for unknown users and wrong passwords.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Claims holds JWT token claims.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// User is an account row.
type User struct {
	ID           int
	Username     string
	PasswordHash string
	IsAdmin      bool
}

// UserStore looks up and creates accounts.
type UserStore interface {
	GetUserByName(ctx context.Context, username string) (*User, error)
	InsertUser(ctx context.Context, username, passwordHash string, isAdmin bool) (int, error)
	CountUsers(ctx context.Context) (int, error)
}

// Auth handles Basic and JWT authentication.
type Auth struct {
	users  UserStore
	secret []byte
	cache  *expirable.LRU[string, *Claims]
}

// New creates a new Auth handler backed by the users table. Successful
// Basic logins are cached for cacheTTL; zero disables the cache.
func New(db *sql.DB, jwtSecret string, cacheTTL time.Duration) *Auth {
	return NewWithStore(&sqlUserStore{db: db}, jwtSecret, cacheTTL)
}

// NewWithStore creates an Auth handler over an arbitrary user store.
func NewWithStore(users UserStore, jwtSecret string, cacheTTL time.Duration) *Auth {
	a := &Auth{
		users:  users,
		secret: []byte(jwtSecret),
	}
	if cacheTTL > 0 {
		a.cache = expirable.NewLRU[string, *Claims](credentialCache, nil, cacheTTL)
	}
	return a
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// Middleware returns HTTP middleware that validates bearer JWT tokens.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt("bearer", false)
			http.Error(w, "missing authentication token", http.StatusUnauthorized)
			return
		}

		claims, err := a.ValidateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt("bearer", false)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		metrics.RecordAuthAttempt("bearer", true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// ValidateCredentials checks a username and password and returns the
// matching claims.
func (a *Auth) ValidateCredentials(ctx context.Context, username, password string) (*Claims, error) {
	key := cacheKey(username, password)
	if a.cache != nil {
		if claims, ok := a.cache.Get(key); ok {
			metrics.RecordAuthAttempt("basic", true)
			return claims, nil
		}
	}

	u, err := a.users.GetUserByName(ctx, username)
	if err != nil {
		metrics.RecordAuthAttempt("basic", false)
		return nil, err
	}
	if u == nil {
		metrics.RecordAuthAttempt("basic", false)
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		metrics.RecordAuthAttempt("basic", false)
		return nil, ErrInvalidCredentials
	}

	claims := &Claims{UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}
	if a.cache != nil {
		a.cache.Add(key, claims)
	}
	metrics.RecordAuthAttempt("basic", true)
	return claims, nil
}

// IssueToken signs a JWT for the user valid for ttl. A zero ttl uses the
// default of 30 days.
func (a *Auth) IssueToken(userID int, username string, isAdmin bool, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// ValidateToken parses and verifies a JWT.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// CreateUser creates a new user and returns its ID.
func (a *Auth) CreateUser(ctx context.Context, username, password string, isAdmin bool) (int, error) {
	if username == "" || password == "" {
		return 0, fmt.Errorf("username and password required")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	id, err := a.users.InsertUser(ctx, username, string(hashed), isAdmin)
	if err != nil {
		return 0, err
	}

	logging.Info("user created", zap.String("username", username), zap.Bool("is_admin", isAdmin))
	return id, nil
}

// GetUserByName returns a user, or nil if none exists.
func (a *Auth) GetUserByName(ctx context.Context, username string) (*User, error) {
	return a.users.GetUserByName(ctx, username)
}

// EnsureDefaultAdmin creates a default admin user if no users exist.
func (a *Auth) EnsureDefaultAdmin(ctx context.Context) error {
	count, err := a.users.CountUsers(ctx)
	if err != nil {
		return err
	}

	if count == 0 {
		logging.Warn("no users found, creating default admin (admin/admin)")
		logging.Warn("** change the default password immediately! **")
		_, err := a.CreateUser(ctx, "admin", "admin", true)
		return err
	}
	return nil
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// cacheKey never holds the plaintext password.
func cacheKey(username, password string) string {
	h := sha256.Sum256([]byte(username + ":" + password))
	return hex.EncodeToString(h[:])
}

type sqlUserStore struct {
	db *sql.DB
}

func (s *sqlUserStore) GetUserByName(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password, is_admin FROM users WHERE username = $1`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *sqlUserStore) InsertUser(ctx context.Context, username, passwordHash string, isAdmin bool) (int, error) {
	var id int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, password, is_admin) VALUES ($1, $2, $3) RETURNING id`,
		username, passwordHash, isAdmin).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func (s *sqlUserStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}
