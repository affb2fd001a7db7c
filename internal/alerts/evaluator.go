package alerts

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownCondition is returned when an alert carries a condition type the engine cannot evaluate.
var ErrUnknownCondition = errors.New("alerts: unknown condition type")

// SnapshotKey addresses the latest market rates for one chain/asset pair of a protocol.
type SnapshotKey struct {
	ChainID  int64
	AssetKey string
}

// Rates is the part of a market snapshot the evaluator reads.
type Rates struct {
	SupplyAPY  decimal.Decimal
	BorrowAPY  decimal.Decimal
	RecordedAt time.Time
}

// SnapshotIndex maps chain/asset pairs to their most recent rates.
type SnapshotIndex map[SnapshotKey]Rates

// Lookup returns the rates recorded for a pair, if any.
func (idx SnapshotIndex) Lookup(chainID int64, assetKey string) (Rates, bool) {
	r, ok := idx[SnapshotKey{ChainID: chainID, AssetKey: NormalizeAssetKey(assetKey)}]
	return r, ok
}

// Keys lists every chain/asset pair an alert needs rates for.
func (a Alert) Keys() []SnapshotKey {
	keys := make([]SnapshotKey, 0, len(a.Chains)*len(a.Assets))
	for _, chain := range a.Chains {
		for _, asset := range a.Assets {
			keys = append(keys, SnapshotKey{ChainID: chain.ID, AssetKey: asset.Key()})
		}
	}
	return keys
}

// TriggerValue records one condition firing for one chain/asset pair.
type TriggerValue struct {
	ChainID      int64           `json:"chainId"`
	ChainName    string          `json:"chainName"`
	AssetSymbol  string          `json:"asset"`
	AssetAddress string          `json:"assetAddress"`
	CurrentRate  decimal.Decimal `json:"currentRate"`
	Condition    Condition       `json:"condition"`
	Severity     Severity        `json:"severity"`
	Frequency    Frequency       `json:"notificationFrequency"`
}

// ConditionIDs returns the distinct condition ids of the trigger values in first-seen order.
func ConditionIDs(values []TriggerValue) []string {
	seen := make(map[string]struct{}, len(values))
	ids := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v.Condition.ID]; ok {
			continue
		}
		seen[v.Condition.ID] = struct{}{}
		ids = append(ids, v.Condition.ID)
	}
	return ids
}

// Evaluate tests every condition of alert against the latest rates of each selected chain/asset pair.
// Pairs without a snapshot are skipped. For one-shot alerts, conditions listed in previouslySent are
// never reported again.
func Evaluate(alert Alert, snapshots SnapshotIndex, previouslySent map[string]struct{}) ([]TriggerValue, error) {
	for _, cond := range alert.Conditions {
		if cond.Rule == nil {
			return nil, fmt.Errorf("%w: alert %s condition %s has type %q", ErrUnknownCondition, alert.ID, cond.ID, cond.RawType)
		}
	}

	active := alert.Conditions
	if alert.Frequency.OneShot() && len(previouslySent) > 0 {
		active = make([]Condition, 0, len(alert.Conditions))
		for _, cond := range alert.Conditions {
			if _, sent := previouslySent[cond.ID]; !sent {
				active = append(active, cond)
			}
		}
	}

	var triggered []TriggerValue
	for _, chain := range alert.Chains {
		for _, asset := range alert.Assets {
			rates, ok := snapshots.Lookup(chain.ID, asset.Address)
			if !ok {
				continue
			}
			rate := rates.BorrowAPY
			if alert.ActionType == ActionSupply {
				rate = rates.SupplyAPY
			}
			for _, cond := range active {
				if !cond.Rule.Fires(rate) {
					continue
				}
				triggered = append(triggered, TriggerValue{
					ChainID:      chain.ID,
					ChainName:    chain.Name,
					AssetSymbol:  asset.Symbol,
					AssetAddress: asset.Address,
					CurrentRate:  rate,
					Condition:    cond,
					Severity:     cond.Severity,
					Frequency:    alert.Frequency,
				})
			}
		}
	}
	return triggered, nil
}
