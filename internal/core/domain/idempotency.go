package domain

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyLog is a stored redemption result returned to replays.
type IdempotencyLog struct {
	Key          string    `json:"key"` // Format: "actor_id:client_key"
	PaymentID    uuid.UUID `json:"payment_id"`
	ResponseJSON []byte    `json:"response_json"`
	CreatedAt    time.Time `json:"created_at"`
}

// BuildRedemptionKey scopes a client key to the caller so two users can't
// collide on the same string.
func BuildRedemptionKey(actorID uuid.UUID, clientKey string) string {
	return actorID.String() + ":" + clientKey
}

// BuildAuthorizationKey is the record idempotency key for a network authorization.
func BuildAuthorizationKey(authorizationRef string) string {
	return "auth:" + authorizationRef
}

// BuildWalletOpKey scopes a client key for wallet operations (top-up, transfers).
func BuildWalletOpKey(kind Kind, userID uuid.UUID, clientKey string) string {
	return string(kind) + ":" + userID.String() + ":" + clientKey
}
