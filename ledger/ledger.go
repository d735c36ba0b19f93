// Package ledger holds the primitives shared by every contract component:
// account addresses, the contract error taxonomy and checked amount math.
package ledger

import (
	"math"
	"strings"

	"github.com/google/uuid"
)

// Address identifies an account or a token on the ledger.
type Address string

// NewAddress returns a fresh random address. Used by tests and tooling that
// need distinct accounts.
func NewAddress() Address {
	return Address("acct_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (a Address) String() string { return string(a) }

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool { return strings.TrimSpace(string(a)) == "" }

// AddAmount returns a+b or ErrOverflow.
func AddAmount(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// SubAmount returns a-b or ErrOverflow.
func SubAmount(a, b int64) (int64, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// MulAmount returns amount*periods or ErrOverflow. Negative amounts are
// rejected since per-period amounts are always positive.
func MulAmount(amount int64, periods uint64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	if amount == 0 || periods == 0 {
		return 0, nil
	}
	if periods > uint64(math.MaxInt64) || amount > math.MaxInt64/int64(periods) {
		return 0, ErrOverflow
	}
	return amount * int64(periods), nil
}
