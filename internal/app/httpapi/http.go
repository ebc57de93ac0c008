// Package httpapi is the REST surface of the auction platform: auth, the
// auction catalogue, bid submission, and the shared server clock.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nuid"
	"go.uber.org/zap"

	"github.com/auction-live/platform/internal/app/auctions"
	"github.com/auction-live/platform/internal/app/bidding"
	"github.com/auction-live/platform/internal/app/identity"
	platformauth "github.com/auction-live/platform/internal/platform/auth"
	"github.com/auction-live/platform/internal/platform/logging"
)

// AuctionReader is the read side of the catalogue.
type AuctionReader interface {
	FindByID(ctx context.Context, id string) (auctions.Auction, error)
	ListActive(ctx context.Context) ([]auctions.Auction, error)
	ListBids(ctx context.Context, auctionID string, limit int) ([]auctions.Bid, error)
	CountAuctions(ctx context.Context) (int64, error)
}

type Handler struct {
	Bidding       *bidding.Service
	Identity      *identity.Service
	Auctions      AuctionReader
	AllowedOrigin string
	Log           *zap.Logger
	Now           func() time.Time
}

func NewHandler(biddingSvc *bidding.Service, identitySvc *identity.Service, reader AuctionReader, allowedOrigin string, log *zap.Logger) *Handler {
	return &Handler{
		Bidding:       biddingSvc,
		Identity:      identitySvc,
		Auctions:      reader,
		AllowedOrigin: allowedOrigin,
		Log:           log,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.traceMiddleware)
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)

	r.Get("/api/v1/auctions", h.handleListAuctions)
	r.Get("/api/v1/auctions/{auctionID}", h.handleGetAuction)
	r.Get("/api/v1/auctions/{auctionID}/bids", h.handleListBids)
	r.Get("/api/v1/time", h.handleServerTime)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/auth/me", h.handleMe)
		authR.Post("/api/v1/auctions/{auctionID}/bid", h.handlePlaceBid)
	})

	r.Group(func(adminR chi.Router) {
		adminR.Use(h.authMiddleware, h.requireAdmin)
		adminR.Post("/api/v1/auctions", h.handleCreateAuction)
		adminR.Delete("/api/v1/auctions/{auctionID}", h.handleDeleteAuction)
		adminR.Post("/api/v1/seed", h.handleSeed)
	})

	return r
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type placeBidRequest struct {
	Amount          float64 `json:"amount"`
	ExpectedVersion *int64  `json:"expectedVersion"`
}

type createAuctionRequest struct {
	Title      string    `json:"title"`
	StartPrice float64   `json:"startPrice"`
	EndTime    time.Time `json:"endTime"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.serverError(w, r, err)
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	profile, err := h.Identity.Me(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			h.writeError(w, http.StatusUnauthorized, "account no longer exists")
			return
		}
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	list, err := h.Auctions.ListActive(r.Context())
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"auctions": list})
}

func (h *Handler) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := h.Auctions.FindByID(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		if errors.Is(err, auctions.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "auction not found")
			return
		}
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleListBids(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")
	if _, err := h.Auctions.FindByID(r.Context(), auctionID); err != nil {
		if errors.Is(err, auctions.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "auction not found")
			return
		}
		h.serverError(w, r, err)
		return
	}
	bids, err := h.Auctions.ListBids(r.Context(), auctionID, 100)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

// handleServerTime exposes the authoritative clock so clients can render
// countdowns without trusting their own clock.
func (h *Handler) handleServerTime(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]int64{"serverTime": h.Now().UnixMilli()})
}

func (h *Handler) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	a, err := h.Bidding.PlaceBid(r.Context(), chi.URLParam(r, "auctionID"), claims.Username, req.Amount, req.ExpectedVersion)
	if err != nil {
		switch {
		case errors.Is(err, bidding.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, bidding.ErrAuctionNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, bidding.ErrAuctionClosed), errors.Is(err, bidding.ErrAuctionEnded), errors.Is(err, bidding.ErrBidTooLow):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, bidding.ErrConflict):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.serverError(w, r, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	a, err := h.Bidding.CreateAuction(r.Context(), req.Title, req.StartPrice, req.EndTime)
	if err != nil {
		switch {
		case errors.Is(err, bidding.ErrTitleRequired), errors.Is(err, bidding.ErrInvalidStartPrice), errors.Is(err, bidding.ErrEndTimeInPast):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.serverError(w, r, err)
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleDeleteAuction(w http.ResponseWriter, r *http.Request) {
	err := h.Bidding.DeleteAuction(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		if errors.Is(err, bidding.ErrAuctionNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var seedAuctions = []createAuctionRequest{
	{Title: "Vintage mechanical keyboard", StartPrice: 40},
	{Title: "Signed first edition", StartPrice: 120},
	{Title: "Mid-century desk lamp", StartPrice: 25},
	{Title: "Analog synthesizer", StartPrice: 300},
	{Title: "Folding city bike", StartPrice: 150},
}

// handleSeed populates the catalogue with demo auctions. It only runs on an
// empty catalogue so repeated calls never pile up duplicates.
func (h *Handler) handleSeed(w http.ResponseWriter, r *http.Request) {
	n, err := h.Auctions.CountAuctions(r.Context())
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	if n > 0 {
		h.writeJSON(w, http.StatusOK, map[string]any{"seeded": 0, "reason": "auctions already exist"})
		return
	}
	created := make([]auctions.Auction, 0, len(seedAuctions))
	now := h.Now()
	for i, seed := range seedAuctions {
		endTime := now.Add(time.Duration(i+1) * time.Hour)
		a, err := h.Bidding.CreateAuction(r.Context(), seed.Title, seed.StartPrice, endTime)
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		created = append(created, a)
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"seeded": len(created), "auctions": created})
}

func (h *Handler) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
		if traceID == "" {
			traceID = nuid.Next()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithTraceID(r.Context(), traceID)))
	})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(h.AllowedOrigin)
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Trace-Id")
		next.ServeHTTP(w, r)
	})
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claimsFromContext(r.Context()).Role != platformauth.RoleAdmin {
			h.writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	logging.WithTraceID(r.Context(), h.Log).Error("request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
