package waterfall

import "github.com/alanyoungcy/ward/internal/domain"

// ShareValues is the per-share effect of realizing a vault loss. Values are
// drops per share and exist for display; the drop totals stay integral.
type ShareValues struct {
	ValueBefore      float64 `json:"share_value_before"`
	ValueAfter       float64 `json:"share_value_after"`
	LossPerShare     float64 `json:"loss_per_share"`
	LossPercentage   float64 `json:"loss_percentage"`
	AssetsTotalAfter int64   `json:"assets_total_after"`
}

// ShareImpact computes share values before and after vaultLoss is removed from
// assetsTotal. A vault with no shares yields zero share values.
func ShareImpact(assetsTotal, lossUnrealized, sharesTotal, vaultLoss int64) (ShareValues, error) {
	if assetsTotal < 0 || lossUnrealized < 0 || sharesTotal < 0 || vaultLoss < 0 {
		return ShareValues{}, domain.Invalid("share impact: negative input (assets=%d loss=%d shares=%d vault_loss=%d)",
			assetsTotal, lossUnrealized, sharesTotal, vaultLoss)
	}

	out := ShareValues{AssetsTotalAfter: assetsTotal - vaultLoss}
	if sharesTotal == 0 {
		return out, nil
	}

	shares := float64(sharesTotal)
	out.ValueBefore = float64(assetsTotal-lossUnrealized) / shares
	out.ValueAfter = float64(out.AssetsTotalAfter-lossUnrealized) / shares
	out.LossPerShare = out.ValueBefore - out.ValueAfter
	if out.ValueBefore != 0 {
		out.LossPercentage = out.LossPerShare / out.ValueBefore * 100
	}
	return out, nil
}

// ShareImpactOnVault is ShareImpact over a vault snapshot.
func ShareImpactOnVault(v domain.Vault, vaultLoss int64) (ShareValues, error) {
	return ShareImpact(v.AssetsTotal, v.LossUnrealized, v.SharesTotal, vaultLoss)
}
