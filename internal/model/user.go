package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// UserType partitions accounts into independently managed populations.
type UserType string

const (
	UserLive             UserType = "live"
	UserDemo             UserType = "demo"
	UserStrategyProvider UserType = "strategy_provider"
	UserCopyFollower     UserType = "copy_follower"
)

// AllUserTypes is the scan order used by fan-out consumers.
var AllUserTypes = []UserType{UserLive, UserDemo, UserStrategyProvider, UserCopyFollower}

func (t UserType) Valid() bool {
	switch t {
	case UserLive, UserDemo, UserStrategyProvider, UserCopyFollower:
		return true
	}
	return false
}

// UserKey identifies the owning account bucket of every user-scoped record.
type UserKey struct {
	Type UserType
	ID   string
}

// Tag renders the Redis hash-tag form, e.g. "live:42".
func (k UserKey) Tag() string { return string(k.Type) + ":" + k.ID }

func (k UserKey) String() string { return k.Tag() }

func (k UserKey) IsZero() bool { return k.Type == "" && k.ID == "" }

// ParseUserKey parses the "user_type:user_id" wire form.
func ParseUserKey(s string) (UserKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return UserKey{}, fmt.Errorf("malformed user key %q", s)
	}
	k := UserKey{Type: UserType(parts[0]), ID: parts[1]}
	if !k.Type.Valid() {
		return UserKey{}, fmt.Errorf("unknown user type %q", parts[0])
	}
	return k, nil
}

// Order routing destinations configured per user.
const (
	SendingLocal    = "rock"
	SendingProvider = "barclays"
)

// UserConfig is the read-only account record provisioned by onboarding.
type UserConfig struct {
	WalletBalance        decimal.Decimal
	Leverage             decimal.Decimal
	Group                string
	SendingOrders        string
	Status               string
	AutoCutoffLevel      decimal.Decimal
	AutoLiquidationLevel decimal.Decimal
}

const (
	defaultCutoffLevel      = 50
	defaultLiquidationLevel = 10
)

// Verified reports whether the account may trade.
func (c *UserConfig) Verified() bool { return c.Status == "verified" }

// UsesProvider reports whether instant orders route to the external
// liquidity provider instead of the local matching path.
func (c *UserConfig) UsesProvider(userType UserType) bool {
	if userType == UserDemo {
		return false
	}
	return c.SendingOrders == SendingProvider
}

// UserConfigFromMap decodes the Redis hash form, applying the documented
// threshold defaults when the onboarding record omits them.
func UserConfigFromMap(m map[string]string) (*UserConfig, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("empty user config")
	}
	c := &UserConfig{
		Group:                m["group"],
		SendingOrders:        m["sending_orders"],
		Status:               m["status"],
		AutoCutoffLevel:      decimal.NewFromInt(defaultCutoffLevel),
		AutoLiquidationLevel: decimal.NewFromInt(defaultLiquidationLevel),
	}
	var err error
	if c.WalletBalance, err = decField(m, "wallet_balance"); err != nil {
		return nil, err
	}
	if c.Leverage, err = decField(m, "leverage"); err != nil {
		return nil, err
	}
	if v, ok := m["auto_cutoff_level"]; ok && v != "" {
		if c.AutoCutoffLevel, err = parseDec("auto_cutoff_level", v); err != nil {
			return nil, err
		}
	}
	if v, ok := m["auto_liquidation_level"]; ok && v != "" {
		if c.AutoLiquidationLevel, err = parseDec("auto_liquidation_level", v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ToMap renders the Redis hash form. Used by tests and provisioning tools.
func (c *UserConfig) ToMap() map[string]string {
	return map[string]string{
		"wallet_balance":         c.WalletBalance.String(),
		"leverage":               c.Leverage.String(),
		"group":                  c.Group,
		"sending_orders":         c.SendingOrders,
		"status":                 c.Status,
		"auto_cutoff_level":      c.AutoCutoffLevel.String(),
		"auto_liquidation_level": c.AutoLiquidationLevel.String(),
	}
}
