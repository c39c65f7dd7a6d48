package engine

import (
	"github.com/rs/zerolog/log"

	"copytrader/internal/config"
	"copytrader/internal/exchange"
	"copytrader/internal/storage"
)

// Params are the effective trading parameters for one (signal, subscriber)
// pair after overlaying global defaults, subscriber settings, strategy
// overrides, and the signal's own overrides, in that order.
type Params struct {
	RiskPercent  float64
	Leverage     int
	TPPercent    float64
	SLPercent    float64
	MaxPositions int
}

// Eligible pairs a subscriber with the credential and parameters to trade a
// signal with.
type Eligible struct {
	Subscriber *storage.Subscriber
	Credential *storage.Credential
	Params     Params
}

// Resolver computes the eligible subscriber set for a signal
type Resolver struct {
	db       *storage.DB
	cfg      *config.Manager
	registry *exchange.Registry
}

// NewResolver creates a resolver
func NewResolver(db *storage.DB, cfg *config.Manager, registry *exchange.Registry) *Resolver {
	return &Resolver{db: db, cfg: cfg, registry: registry}
}

// Eligible returns every subscriber that should receive the signal, with
// their effective parameters. Symbol tradability on the concrete venue is
// checked later by the executor, which records SKIPPED(symbol_unavailable).
func (r *Resolver) Eligible(sig *storage.Signal) ([]Eligible, error) {
	subs, err := r.db.GetActiveSubscribers()
	if err != nil {
		return nil, err
	}

	now := storage.Now()
	var out []Eligible
	for _, sub := range subs {
		if sub.ExpiresAt != 0 && sub.ExpiresAt <= now {
			continue
		}
		if sub.PausedUntil > now {
			log.Debug().Int64("subscriber", sub.ID).Msg("guardrail-paused, skipping")
			continue
		}

		// Strategy restriction: an unrestricted signal reaches everyone;
		// a restricted one only reaches its subscribers.
		var stratSub *storage.StrategySub
		if sig.StrategyID != 0 {
			stratSub, err = r.db.GetStrategySub(sub.ID, sig.StrategyID)
			if err != nil {
				return nil, err
			}
			if stratSub == nil {
				continue
			}
		}

		creds, err := r.db.GetApprovedCredentials(sub.ID)
		if err != nil {
			return nil, err
		}
		cred := r.pickCredential(creds)
		if cred == nil {
			continue
		}

		if sig.Action == storage.ActionClose {
			pos, err := r.db.GetOpenPositionAnySide(sub.ID, cred.Exchange, sig.Symbol)
			if err != nil {
				return nil, err
			}
			if pos == nil {
				continue
			}
		}

		out = append(out, Eligible{
			Subscriber: sub,
			Credential: cred,
			Params:     r.effectiveParams(sub, stratSub, sig),
		})
	}
	return out, nil
}

// pickCredential returns the first credential whose exchange has a registered
// adapter
func (r *Resolver) pickCredential(creds []*storage.Credential) *storage.Credential {
	for _, c := range creds {
		if r.registry.Get(c.Exchange) != nil {
			return c
		}
	}
	return nil
}

// effectiveParams overlays defaults <- subscriber <- strategy <- signal.
// Missing fields inherit; present fields overwrite.
func (r *Resolver) effectiveParams(sub *storage.Subscriber, stratSub *storage.StrategySub, sig *storage.Signal) Params {
	defaults := r.cfg.GetTrading()
	p := Params{
		RiskPercent:  defaults.RiskPercent,
		Leverage:     defaults.Leverage,
		TPPercent:    defaults.TakeProfitPercent,
		SLPercent:    defaults.StopLossPercent,
		MaxPositions: defaults.MaxOpenPositions,
	}

	if sub.RiskPercent != nil {
		p.RiskPercent = *sub.RiskPercent
	}
	if sub.Leverage != nil {
		p.Leverage = *sub.Leverage
	}
	if sub.TPPercent != nil {
		p.TPPercent = *sub.TPPercent
	}
	if sub.SLPercent != nil {
		p.SLPercent = *sub.SLPercent
	}
	if sub.MaxPositions != nil {
		p.MaxPositions = *sub.MaxPositions
	}

	if stratSub != nil {
		if stratSub.RiskPercent != nil {
			p.RiskPercent = *stratSub.RiskPercent
		}
		if stratSub.Leverage != nil {
			p.Leverage = *stratSub.Leverage
		}
		if stratSub.TPPercent != nil {
			p.TPPercent = *stratSub.TPPercent
		}
		if stratSub.SLPercent != nil {
			p.SLPercent = *stratSub.SLPercent
		}
	}

	if sig.RiskPercent != nil {
		p.RiskPercent = *sig.RiskPercent
	}
	if sig.Leverage != nil {
		p.Leverage = *sig.Leverage
	}
	if sig.TPPercent != nil {
		p.TPPercent = *sig.TPPercent
	}
	if sig.SLPercent != nil {
		p.SLPercent = *sig.SLPercent
	}

	if max := defaults.MaxLeverage; max > 0 && p.Leverage > max {
		p.Leverage = max
	}
	return p
}
