package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/idbroker/idbroker/internal/cache"
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

type EIDStatus string

const (
	EIDStatusPending  EIDStatus = "pending"
	EIDStatusApproved EIDStatus = "approved"
	EIDStatusRejected EIDStatus = "rejected"
	EIDStatusExpired  EIDStatus = "expired"
)

type EIDChannel string

const (
	EIDChannelQR   EIDChannel = "qr"
	EIDChannelPush EIDChannel = "push"
)

const eidTransactionPrefix = "eid:tx:"

// EIDTransaction is a pending login. Reference is the only handle shown to
// the end user, the ID is used for polling together with the browser binding.
type EIDTransaction struct {
	ID                string           `json:"id"`
	Identifier        string           `json:"identifier"`
	Channel           EIDChannel       `json:"channel"`
	Challenge         string           `json:"challenge"`
	Reference         string           `json:"reference"`
	ProviderReference string           `json:"provider_reference"`
	BindingHash       string           `json:"binding_hash"`
	Status            EIDStatus        `json:"status"`
	StartedAt         int64            `json:"started_at"`
	ExpiresAt         int64            `json:"expires_at"`
	Profile           *IdentityProfile `json:"profile,omitempty"`
}

type EIDInitiation struct {
	TransactionID string `json:"transactionId"`
	Challenge     string `json:"challenge"`
	ExpiresIn     int64  `json:"expiresIn"`
	// Binding is handed to the initiating browser only, polling requires it
	Binding string `json:"-"`
}

type EIDStatusResult struct {
	Status  EIDStatus
	Profile *IdentityProfile
}

type EIDPollResult struct {
	Status  EIDStatus
	Profile *IdentityProfile
}

// EIDProvider talks to the national eID operator
type EIDProvider interface {
	Start(ctx context.Context, tx EIDTransaction) (string, error)
	Poll(ctx context.Context, tx EIDTransaction) (EIDPollResult, error)
}

type EIDServiceConfig struct {
	Organization      string
	SessionClient     string
	CallbackSecret    string
	TransactionExpiry int
	Now               func() time.Time
}

type EIDService struct {
	config   EIDServiceConfig
	provider EIDProvider
	cache    cache.Store
	now      func() time.Time
	// serializes read-modify-write of a transaction within this process
	mu sync.Mutex
}

func NewEIDService(config EIDServiceConfig, provider EIDProvider, store cache.Store) *EIDService {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &EIDService{
		config:   config,
		provider: provider,
		cache:    store,
		now:      now,
	}
}

func (eid *EIDService) Init() error {
	if eid.config.TransactionExpiry <= 0 {
		eid.config.TransactionExpiry = 180
	}
	if eid.config.CallbackSecret == "" {
		log.Warn().Msg("No eID callback secret configured, provider callbacks will be rejected")
	}
	return nil
}

func (eid *EIDService) Organization() string {
	return firstNonEmpty(eid.config.Organization, DefaultOrganization)
}

// SessionClient returns the client application that receives a session token
// after an eID login, empty when none is configured
func (eid *EIDService) SessionClient() string {
	return eid.config.SessionClient
}

func (eid *EIDService) Initiate(ctx context.Context, identifier string, channel EIDChannel) (EIDInitiation, error) {
	identifier = strings.TrimSpace(identifier)

	if identifier == "" || len(identifier) > 64 {
		return EIDInitiation{}, fmt.Errorf("%w: invalid identifier", ErrValidation)
	}

	if channel == "" {
		channel = EIDChannelQR
	}

	if channel != EIDChannelQR && channel != EIDChannelPush {
		return EIDInitiation{}, fmt.Errorf("%w: unsupported channel %s", ErrValidation, channel)
	}

	id, err := utils.GenerateToken(24)
	if err != nil {
		return EIDInitiation{}, err
	}

	reference, err := utils.GenerateToken(16)
	if err != nil {
		return EIDInitiation{}, err
	}

	binding, err := utils.GenerateToken(32)
	if err != nil {
		return EIDInitiation{}, err
	}

	code, err := verificationCode()
	if err != nil {
		return EIDInitiation{}, err
	}

	now := eid.now()

	tx := EIDTransaction{
		ID:          id,
		Identifier:  identifier,
		Channel:     channel,
		Reference:   reference,
		BindingHash: utils.HashToken(binding),
		Status:      EIDStatusPending,
		StartedAt:   now.Unix(),
		ExpiresAt:   now.Add(time.Duration(eid.config.TransactionExpiry) * time.Second).Unix(),
	}

	switch channel {
	case EIDChannelQR:
		tx.Challenge = "eid://auth?" + url.Values{"ref": {reference}, "code": {code}}.Encode()
	case EIDChannelPush:
		tx.Challenge = code
	}

	providerReference, err := backoff.Retry(ctx, func() (string, error) {
		return eid.provider.Start(ctx, tx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))

	if err != nil {
		return EIDInitiation{}, fmt.Errorf("failed to start eid transaction: %w", err)
	}

	tx.ProviderReference = providerReference

	if err := eid.store(ctx, tx); err != nil {
		return EIDInitiation{}, err
	}

	log.Debug().Str("transaction", id).Str("channel", string(channel)).Msg("Started eID transaction")

	return EIDInitiation{
		TransactionID: id,
		Challenge:     tx.Challenge,
		ExpiresIn:     int64(eid.config.TransactionExpiry),
		Binding:       binding,
	}, nil
}

// CheckStatus reports the transaction state to the browser holding the
// binding issued by Initiate. An approved transaction is handed out once
// together with its profile and then forgotten.
func (eid *EIDService) CheckStatus(ctx context.Context, transactionID string, binding string) (EIDStatusResult, error) {
	eid.mu.Lock()
	defer eid.mu.Unlock()

	tx, err := eid.load(ctx, transactionID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return EIDStatusResult{Status: EIDStatusExpired}, nil
	}
	if err != nil {
		return EIDStatusResult{}, err
	}

	if binding == "" || !utils.SecureCompare(tx.BindingHash, utils.HashToken(binding)) {
		return EIDStatusResult{}, fmt.Errorf("%w: transaction is bound to another browser", ErrUnauthorized)
	}

	if tx.ExpiresAt <= eid.now().Unix() {
		if err := eid.cache.Delete(ctx, eidTransactionPrefix+tx.ID); err != nil {
			log.Warn().Err(err).Str("transaction", tx.ID).Msg("Failed to delete expired eID transaction")
		}
		return EIDStatusResult{Status: EIDStatusExpired}, nil
	}

	if tx.Status == EIDStatusPending {
		result, err := backoff.Retry(ctx, func() (EIDPollResult, error) {
			return eid.provider.Poll(ctx, tx)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))

		if err != nil {
			return EIDStatusResult{}, fmt.Errorf("failed to poll eid provider: %w", err)
		}

		if result.Status != EIDStatusPending {
			tx.Status = result.Status
			tx.Profile = result.Profile
			if err := eid.store(ctx, tx); err != nil {
				return EIDStatusResult{}, err
			}
		}
	}

	switch tx.Status {
	case EIDStatusApproved:
		return eid.redeem(ctx, tx.ID)
	case EIDStatusRejected:
		return EIDStatusResult{Status: EIDStatusRejected}, nil
	default:
		return EIDStatusResult{Status: EIDStatusPending}, nil
	}
}

func (eid *EIDService) redeem(ctx context.Context, transactionID string) (EIDStatusResult, error) {
	raw, err := eid.cache.GetDel(ctx, eidTransactionPrefix+transactionID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return EIDStatusResult{Status: EIDStatusExpired}, nil
	}
	if err != nil {
		return EIDStatusResult{}, fmt.Errorf("failed to redeem eid transaction: %w", err)
	}

	var tx EIDTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return EIDStatusResult{}, fmt.Errorf("failed to decode eid transaction: %w", err)
	}

	if tx.Status != EIDStatusApproved || tx.Profile == nil {
		return EIDStatusResult{Status: EIDStatusExpired}, nil
	}

	tx.Profile.NationalID = firstNonEmpty(tx.Profile.NationalID, tx.Identifier)
	tx.Profile.IdentityVerified = true

	return EIDStatusResult{Status: EIDStatusApproved, Profile: tx.Profile}, nil
}

type EIDCallback struct {
	TransactionID string           `json:"transactionId"`
	Status        EIDStatus        `json:"status"`
	Profile       *IdentityProfile `json:"profile,omitempty"`
}

// HandleCallback applies an asynchronous provider notification. The body must
// carry a valid hex HMAC-SHA256 signature made with the callback secret.
func (eid *EIDService) HandleCallback(ctx context.Context, body []byte, signature string) error {
	if eid.config.CallbackSecret == "" || !utils.VerifyHMAC(body, eid.config.CallbackSecret, signature) {
		return fmt.Errorf("%w: invalid callback signature", ErrUnauthorized)
	}

	var callback EIDCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		return fmt.Errorf("%w: malformed callback body", ErrValidation)
	}

	if callback.Status != EIDStatusApproved && callback.Status != EIDStatusRejected {
		return fmt.Errorf("%w: unsupported callback status %s", ErrValidation, callback.Status)
	}

	if callback.Status == EIDStatusApproved && callback.Profile == nil {
		return fmt.Errorf("%w: approved callback without profile", ErrValidation)
	}

	eid.mu.Lock()
	defer eid.mu.Unlock()

	tx, err := eid.load(ctx, callback.TransactionID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return fmt.Errorf("%w: eid transaction", ErrNotFound)
	}
	if err != nil {
		return err
	}

	// terminal states never change
	if tx.Status != EIDStatusPending {
		return nil
	}

	tx.Status = callback.Status
	tx.Profile = callback.Profile

	return eid.store(ctx, tx)
}

func (eid *EIDService) load(ctx context.Context, transactionID string) (EIDTransaction, error) {
	raw, err := eid.cache.Get(ctx, eidTransactionPrefix+transactionID)
	if err != nil {
		return EIDTransaction{}, err
	}

	var tx EIDTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return EIDTransaction{}, fmt.Errorf("failed to decode eid transaction: %w", err)
	}

	return tx, nil
}

func (eid *EIDService) store(ctx context.Context, tx EIDTransaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	ttl := time.Unix(tx.ExpiresAt, 0).Sub(eid.now())
	if ttl <= 0 {
		ttl = time.Second
	}

	if err := eid.cache.Set(ctx, eidTransactionPrefix+tx.ID, raw, ttl); err != nil {
		return fmt.Errorf("failed to store eid transaction: %w", err)
	}

	return nil
}

func verificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

type MockEIDProviderConfig struct {
	ApproveAfter      int
	RejectIdentifiers []string
	Now               func() time.Time
}

// MockEIDProvider approves every transaction once ApproveAfter seconds have
// passed, except for identifiers on the reject list
type MockEIDProvider struct {
	config MockEIDProviderConfig
	now    func() time.Time
}

func NewMockEIDProvider(config MockEIDProviderConfig) *MockEIDProvider {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &MockEIDProvider{
		config: config,
		now:    now,
	}
}

func (mock *MockEIDProvider) Start(ctx context.Context, tx EIDTransaction) (string, error) {
	return "mock-" + tx.Reference, nil
}

func (mock *MockEIDProvider) Poll(ctx context.Context, tx EIDTransaction) (EIDPollResult, error) {
	if slices.Contains(mock.config.RejectIdentifiers, tx.Identifier) {
		return EIDPollResult{Status: EIDStatusRejected}, nil
	}

	if mock.now().Unix()-tx.StartedAt < int64(mock.config.ApproveAfter) {
		return EIDPollResult{Status: EIDStatusPending}, nil
	}

	suffix := tx.Identifier
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}

	return EIDPollResult{
		Status: EIDStatusApproved,
		Profile: &IdentityProfile{
			NationalID:       tx.Identifier,
			IdentityVerified: true,
			Name:             "eID user " + suffix,
			GivenName:        "eID",
			FamilyName:       "User " + suffix,
		},
	}, nil
}
