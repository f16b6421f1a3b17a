package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// policyFile is the TOML layout of DISPATCH_POLICY_FILE:
//
//	[windows]
//	assignment = "5m"
//	broadcast = "2m"
//	confirmation = "1m"
//	busy_lead_time = "45m"
//	retry_backoff = "250ms"
//
//	[matching]
//	max_distance_km = 25.0
//
//	[commission]
//	rate_bps = 3000
type policyFile struct {
	Windows struct {
		Assignment   time.Duration `toml:"assignment"`
		Broadcast    time.Duration `toml:"broadcast"`
		Confirmation time.Duration `toml:"confirmation"`
		BusyLeadTime time.Duration `toml:"busy_lead_time"`
		RetryBackoff time.Duration `toml:"retry_backoff"`
	} `toml:"windows"`
	Matching struct {
		MaxDistanceKm float64 `toml:"max_distance_km"`
	} `toml:"matching"`
	Commission struct {
		RateBPS int `toml:"rate_bps"`
	} `toml:"commission"`
}

// applyPolicyFile overrides only the keys present in the file.
func (c *Config) applyPolicyFile(path string) error {
	var pf policyFile
	md, err := toml.DecodeFile(path, &pf)
	if err != nil {
		return fmt.Errorf("config: read policy file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config: policy file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if md.IsDefined("windows", "assignment") {
		c.AssignmentWindow = pf.Windows.Assignment
	}
	if md.IsDefined("windows", "broadcast") {
		c.BroadcastWindow = pf.Windows.Broadcast
	}
	if md.IsDefined("windows", "confirmation") {
		c.ConfirmationWindow = pf.Windows.Confirmation
	}
	if md.IsDefined("windows", "busy_lead_time") {
		c.BusyLeadTime = pf.Windows.BusyLeadTime
	}
	if md.IsDefined("windows", "retry_backoff") {
		c.PersistRetryBackoff = pf.Windows.RetryBackoff
	}
	if md.IsDefined("matching", "max_distance_km") {
		c.MaxDistanceKm = pf.Matching.MaxDistanceKm
	}
	if md.IsDefined("commission", "rate_bps") {
		c.CommissionRateBPS = pf.Commission.RateBPS
	}
	return nil
}
