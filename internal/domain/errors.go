package domain

import "errors"

// Authorization errors
var (
	ErrUnauthorized         = errors.New("caller is not authorized for this operation")
	ErrUnauthorizedOracle   = errors.New("caller is not the configured oracle authority")
	ErrOracleNotConfigured  = errors.New("oracle authority not configured")
	ErrInvalidPendingAuthority = errors.New("caller does not match the pending authority")
)

// State errors
var (
	ErrRegistryNotInitialized   = errors.New("registry not initialized")
	ErrRegistryAlreadyInitialized = errors.New("registry already initialized")
	ErrGovernanceNotInitialized = errors.New("governance config not initialized")
	ErrMarketNotInitialized     = errors.New("market not initialized")
	ErrUserNotFound             = errors.New("user not found")
	ErrUserNotActive            = errors.New("user is not active")
	ErrMeterNotFound            = errors.New("meter not found")
	ErrMeterNotActive           = errors.New("meter is not active")
	ErrAlreadyInactive          = errors.New("meter is already inactive")
	ErrAlreadyExists            = errors.New("record already exists")
	ErrSystemPaused             = errors.New("system is paused")
	ErrMaintenanceMode          = errors.New("system is in maintenance mode")
	ErrMarketPaused             = errors.New("market is paused")
)

// Certificate errors
var (
	ErrCertificateNotFound   = errors.New("certificate not found")
	ErrIssuanceDisabled      = errors.New("certificate issuance is disabled")
	ErrBelowMinimum          = errors.New("energy amount below configured minimum")
	ErrAboveMaximum          = errors.New("energy amount exceeds configured maximum")
	ErrInvalidCertStatus     = errors.New("certificate is not in a valid status for this operation")
	ErrAlreadyValidated      = errors.New("certificate already validated for trading")
	ErrNotValidatedForTrading = errors.New("certificate not validated for trading")
	ErrCertificateExpired    = errors.New("certificate has expired")
	ErrAlreadyRevoked        = errors.New("certificate already revoked")
	ErrRevocationReasonRequired = errors.New("revocation reason required")
	ErrTransfersDisabled     = errors.New("certificate transfers are disabled")
	ErrCertificateListed     = errors.New("certificate is backing an open listing")
	ErrTransferToSelf        = errors.New("cannot transfer to self")
	ErrOracleConfidenceTooLow = errors.New("oracle confidence below minimum threshold")
	ErrAuthorityChangePending = errors.New("an authority change is already pending")
	ErrNoAuthorityChangePending = errors.New("no authority change pending")
	ErrAuthorityChangeExpired = errors.New("authority change proposal has expired")
)

// Policy errors
var (
	ErrInvalidPolicy     = errors.New("policy bounds are invalid")
	ErrInvalidConfidence = errors.New("confidence score must be 0-100")
	ErrInvalidFeeBps     = errors.New("fee must be 0-10000 basis points")
)

// Consistency errors
var (
	ErrStaleReading           = errors.New("reading timestamp is not newer than last reading")
	ErrReadingTooLarge        = errors.New("reading delta exceeds per-reading ceiling")
	ErrReadingAnomalous       = errors.New("reading anomaly score exceeds hard threshold")
	ErrCounterOverflow        = errors.New("counter would overflow")
	ErrInsufficientUnclaimedGeneration = errors.New("insufficient unclaimed generation")
	ErrConcurrentModification = errors.New("record was modified concurrently")
)

// Resource errors
var (
	ErrNothingToSettle = errors.New("no unsettled balance")
	ErrOrderNotFound   = errors.New("order not found")
	ErrTradeNotFound   = errors.New("trade not found")
)

// Marketplace errors
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrOrderNotOpen        = errors.New("order is not active or partially filled")
	ErrOrderExpired        = errors.New("order has expired")
	ErrSelfTrade           = errors.New("buyer and seller are the same account")
	ErrPriceMismatch       = errors.New("buy price below sell price")
	ErrMatchExceedsRemaining = errors.New("match amount exceeds remaining order quantity")
	ErrExceedsCertificateAmount = errors.New("amount exceeds certified energy amount")
)
