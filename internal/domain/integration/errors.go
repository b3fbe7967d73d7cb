package integration

import (
	"errors"
	"fmt"

	"github.com/erp/exchange/internal/domain/exchange"
)

var (
	ErrERPNotConfigured = errors.New("integration: erp not configured")
	// ErrERPUnavailable covers transport failures (dial, timeout, reset).
	ErrERPUnavailable = fmt.Errorf("integration: erp unavailable: %w", exchange.ErrTransientIntegration)
	// ErrERPRequestFailed covers non-2xx responses.
	ErrERPRequestFailed   = fmt.Errorf("integration: erp request failed: %w", exchange.ErrTransientIntegration)
	ErrERPInvalidResponse = errors.New("integration: invalid erp response")
	ErrInvalidMessage     = errors.New("integration: invalid integration message")
)
