// Package fixtures ships the sample policies used to seed development stores
// and to exercise the engine end to end.
package fixtures

import (
	"embed"
	"fmt"
	"time"

	"github.com/TimurManjosov/gopolicy/internal/dsl"
	"github.com/TimurManjosov/gopolicy/internal/rules"
)

//go:embed *.rule
var sources embed.FS

// Fixture names.
const (
	TransactionLimit     = "transaction_limit"
	FinancingEligibility = "financing_eligibility"
	RiskFlag             = "risk_flag"
	Runaway              = "runaway"
	BoundedCounter       = "bounded_counter"
)

// Source returns the embedded rule source for name. It panics on an unknown
// name; fixtures are compiled in.
func Source(name string) string {
	b, err := sources.ReadFile(name + ".rule")
	if err != nil {
		panic(fmt.Sprintf("fixtures: %v", err))
	}
	return string(b)
}

// Parameters returns the default parameter values for a fixture.
func Parameters(name string) []rules.Parameter {
	switch name {
	case TransactionLimit:
		return []rules.Parameter{
			{Key: "silverDailyLimit", Value: "10000000", Type: "DECIMAL", Description: "Daily limit for SILVER customers"},
			{Key: "goldDailyLimit", Value: "50000000", Type: "DECIMAL", Description: "Daily limit for GOLD customers"},
			{Key: "platinumDailyLimit", Value: "200000000", Type: "DECIMAL", Description: "Daily limit for PLATINUM customers"},
		}
	case FinancingEligibility:
		return []rules.Parameter{
			{Key: "minAge", Value: "21", Type: "INTEGER", Description: "Minimum applicant age"},
			{Key: "maxAge", Value: "65", Type: "INTEGER", Description: "Maximum applicant age"},
			{Key: "minMonthlyIncome", Value: "5000000", Type: "DECIMAL", Description: "Minimum monthly income"},
			{Key: "maxDtiMultiplier", Value: "10", Type: "DECIMAL", Description: "Maximum financing as a multiple of monthly income"},
		}
	case RiskFlag:
		return []rules.Parameter{
			{Key: "amountThreshold", Value: "100000000", Type: "DECIMAL", Description: "Amount above which a transaction is flagged"},
			{Key: "highRiskRegions", Value: "IRAN,NORTH_KOREA,SYRIA", Type: "STRING", Description: "Comma separated high risk regions"},
			{Key: "maxFrequency", Value: "10", Type: "INTEGER", Description: "Transfers per day before frequency is flagged"},
		}
	case BoundedCounter:
		return []rules.Parameter{
			{Key: "target", Value: "1000", Type: "INTEGER", Description: "Number of update cycles before the rule stops matching"},
		}
	}
	return nil
}

// Rule builds a stored rule for a fixture. Its field list is taken from the
// source's declare block.
func Rule(id, name string) (rules.Rule, error) {
	src := Source(name)
	f, err := dsl.Parse(src)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("fixture %s: %w", name, err)
	}
	if len(f.Declarations) != 1 {
		return rules.Rule{}, fmt.Errorf("fixture %s: expected one declared fact type", name)
	}
	decl := f.Declarations[0]
	now := time.Now().UTC()
	return rules.Rule{
		ID:          id,
		Name:        name,
		Description: "Sample " + name + " policy",
		PolicyType:  policyTypes[name],
		FactType:    decl.Name,
		Source:      src,
		Active:      true,
		Version:     1,
		Fields:      decl.Fields,
		Parameters:  Parameters(name),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

var policyTypes = map[string]rules.PolicyType{
	TransactionLimit:     rules.PolicyTransactionLimit,
	FinancingEligibility: rules.PolicyFinancingEligibility,
	RiskFlag:             rules.PolicyRiskFlag,
	Runaway:              "COUNTER",
	BoundedCounter:       "COUNTER",
}

// Seedable lists the fixtures meant for development stores.
func Seedable() []string {
	return []string{TransactionLimit, FinancingEligibility, RiskFlag}
}
