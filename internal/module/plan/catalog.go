package plan

// Key identifies a subscription plan.
type Key string

const (
	KeyFree      Key = "free"
	KeyStarter   Key = "starter"
	KeyPro       Key = "pro"
	KeyUnlimited Key = "unlimited"
)

// String returns the string representation of the plan key.
func (k Key) String() string {
	return string(k)
}

// IsValid checks if the plan key is known.
func (k Key) IsValid() bool {
	switch k {
	case KeyFree, KeyStarter, KeyPro, KeyUnlimited:
		return true
	}
	return false
}

// IsPaid reports whether the plan is a paid tier.
func (k Key) IsPaid() bool {
	return k.IsValid() && k != KeyFree
}

// Limits holds the metered resource ceilings of a plan.
type Limits struct {
	// MonthlyCases is the number of cases a user may create per calendar month.
	MonthlyCases Limit `json:"cases"`
	// MonthlyCredits is the spendable credit allowance shown to the user.
	MonthlyCredits Limit `json:"credits"`
	// MessagesPerSession caps a single AI chat session.
	MessagesPerSession Limit `json:"messages"`
}

// Definition is the static configuration of one plan.
type Definition struct {
	Key      Key
	Name     string
	Limits   Limits
	Features []string
}

// CheapestPaid is the tier an unmapped billing price falls back to, so a
// configuration gap never silently grants free access.
const CheapestPaid = KeyStarter

// catalog is the static limits table. Limits are configuration, not derived.
var catalog = map[Key]Definition{
	KeyFree: {
		Key:  KeyFree,
		Name: "Free",
		Limits: Limits{
			MonthlyCases:       Bounded(1),
			MonthlyCredits:     Bounded(3),
			MessagesPerSession: Bounded(10),
		},
		Features: []string{"letter_analysis"},
	},
	KeyStarter: {
		Key:  KeyStarter,
		Name: "Starter",
		Limits: Limits{
			MonthlyCases:       Bounded(5),
			MonthlyCredits:     Bounded(20),
			MessagesPerSession: Bounded(25),
		},
		Features: []string{"letter_analysis", "reply_drafts"},
	},
	KeyPro: {
		Key:  KeyPro,
		Name: "Pro",
		Limits: Limits{
			MonthlyCases:       Bounded(20),
			MonthlyCredits:     Bounded(100),
			MessagesPerSession: Bounded(50),
		},
		Features: []string{"letter_analysis", "reply_drafts", "priority_processing"},
	},
	KeyUnlimited: {
		Key:  KeyUnlimited,
		Name: "Unlimited",
		Limits: Limits{
			MonthlyCases:       Unlimited(),
			MonthlyCredits:     Unlimited(),
			MessagesPerSession: Bounded(50),
		},
		Features: []string{"letter_analysis", "reply_drafts", "priority_processing"},
	},
}

// Lookup returns the static definition for a plan key. Unknown keys resolve to
// the free definition so a bad persisted key can never elevate access.
func Lookup(key Key) Definition {
	if def, ok := catalog[key]; ok {
		return def
	}
	return catalog[KeyFree]
}

// All returns the catalog definitions in tier order.
func All() []Definition {
	return []Definition{
		catalog[KeyFree],
		catalog[KeyStarter],
		catalog[KeyPro],
		catalog[KeyUnlimited],
	}
}
