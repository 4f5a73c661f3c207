// Package wallet resolves internal users to their settlement-network addresses.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/tokex-api/internal/types"
	"github.com/ksred/tokex-api/pkg/response"
)

var (
	ErrMissingWalletBinding = errors.New("missing wallet binding")
	ErrInvalidBinding       = errors.New("user_id, blockchain and address are required")
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Bind creates or replaces the user's address on blockchain
func (s *Store) Bind(ctx context.Context, userID, blockchain, address string) (*types.WalletBinding, error) {
	userID, blockchain, address = strings.TrimSpace(userID), strings.TrimSpace(blockchain), strings.TrimSpace(address)
	if userID == "" || blockchain == "" || address == "" {
		return nil, ErrInvalidBinding
	}

	now := time.Now()
	binding := &types.WalletBinding{
		UserID:     userID,
		Blockchain: blockchain,
		Address:    address,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "blockchain"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "updated_at"}),
	}).Create(binding).Error
	if err != nil {
		return nil, fmt.Errorf("bind wallet: %w", err)
	}

	log.Info().
		Str("service", "wallet").
		Str("user_id", userID).
		Str("blockchain", blockchain).
		Msg("wallet bound")
	return binding, nil
}

// ResolveWallet returns the address that settles for userID on blockchain
func (s *Store) ResolveWallet(ctx context.Context, userID, blockchain string) (string, error) {
	var binding types.WalletBinding
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND blockchain = ?", userID, blockchain).
		First(&binding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: user %s on %s", ErrMissingWalletBinding, userID, blockchain)
		}
		return "", fmt.Errorf("resolve wallet: %w", err)
	}
	return binding.Address, nil
}

type GinHandlers struct {
	store *Store
}

func NewGinHandlers(store *Store) *GinHandlers {
	return &GinHandlers{store: store}
}

type bindRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	Blockchain string `json:"blockchain" binding:"required"`
	Address    string `json:"address" binding:"required"`
}

// BindWalletHandler handles internal POST requests linking a user to an address
func (h *GinHandlers) BindWalletHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bindRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		binding, err := h.store.Bind(c.Request.Context(), req.UserID, req.Blockchain, req.Address)
		if errors.Is(err, ErrInvalidBinding) {
			response.ValidationFailed(c, err.Error())
			return
		}
		response.Handle(c, binding, err)
	}
}
