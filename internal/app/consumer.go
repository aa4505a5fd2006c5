package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
)

// SettleBridgeMint applies a mint reported by the bridge. A still-pending authorization is
// redeemed first (for the minted amount, or the full authorized amount when absent).
// The mint reference is checked before the redeem so a rejected event changes nothing.
func (s *Service) SettleBridgeMint(ctx context.Context, event domain.MintCompletedEvent) (*domain.MintAuthorization, error) {
	if !isTxHash(strings.TrimSpace(event.TxHash)) {
		return nil, validationError("tx_hash must be a 0x-prefixed 32 byte hex string")
	}
	if _, err := s.checkContractAddress(event.ContractAddress); err != nil {
		return nil, err
	}

	auth, err := s.GetAuthorization(ctx, event.AuthorizationCode)
	if err != nil {
		return nil, err
	}
	if auth.Status == domain.AuthorizationPendingMint {
		amount := auth.Amount
		if raw := strings.TrimSpace(event.MintedAmount); raw != "" {
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, validationError("minted_amount %q is not a number", raw)
			}
			amount = parsed
		}
		if _, err := s.RedeemAuthorizationCode(ctx, auth.Code, amount); err != nil {
			return nil, err
		}
	}
	return s.CompleteMint(ctx, auth.Code, domain.CompleteMintParams{
		TxHash:          event.TxHash,
		ContractAddress: event.ContractAddress,
	})
}

// IsPermanent reports whether retrying the operation can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrContractMismatch) ||
		errors.Is(err, ErrAuthorizationNotRedeemable) ||
		errors.Is(err, ErrAuthorizationExpired) ||
		errors.Is(err, ErrInvalidTransition)
}

// MintSettler is implemented by Service.
type MintSettler interface {
	SettleBridgeMint(ctx context.Context, event domain.MintCompletedEvent) (*domain.MintAuthorization, error)
}

// MintCompletedConsumer handles bridge.mint.completed deliveries from RabbitMQ.
type MintCompletedConsumer struct {
	settler MintSettler
}

func NewMintCompletedConsumer(settler MintSettler) *MintCompletedConsumer {
	return &MintCompletedConsumer{settler: settler}
}

// HandleMessage returns false only for failures worth re-queuing.
func (c *MintCompletedConsumer) HandleMessage(body []byte) bool {
	var event domain.MintCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=mint_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}
	if strings.TrimSpace(event.AuthorizationCode) == "" {
		log.Printf("level=warn component=mint_consumer msg=\"missing authorization code\" event_id=%s", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(ContextWithActor(context.Background(), "bridge"), 15*time.Second)
	defer cancel()

	if err := c.process(ctx, event); err != nil {
		if IsPermanent(err) {
			log.Printf("level=error component=mint_consumer msg=\"mint event rejected\" authorization_code=%s event_id=%s err=%v", event.AuthorizationCode, event.EventID, err)
			return true
		}
		log.Printf("level=warn component=mint_consumer msg=\"processing error\" authorization_code=%s err=%v", event.AuthorizationCode, err)
		return false
	}
	return true
}

func (c *MintCompletedConsumer) process(ctx context.Context, event domain.MintCompletedEvent) error {
	auth, err := c.settler.SettleBridgeMint(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrAuthorizationNotFound) {
			log.Printf("level=warn component=mint_consumer msg=\"unknown authorization; acknowledging\" authorization_code=%s", event.AuthorizationCode)
			return nil
		}
		return fmt.Errorf("settle mint: %w", err)
	}
	log.Printf("level=info component=mint_consumer msg=\"mint settled\" authorization_code=%s publication_code=%s", auth.Code, auth.PublicationCode)
	return nil
}
