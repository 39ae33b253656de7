package fraud

import (
	"fmt"
	"math"
	"time"

	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/profile"
)

// Snapshot is the read-only view handed to detectors for one analysis
// pass. Profile and windows reflect prior observations only; the
// transaction under analysis is not yet folded in.
type Snapshot struct {
	Now      time.Time
	Profile  *profile.Profile
	LastHour []models.Transaction
	Burst5m  []models.Transaction
}

// Detector inspects one transaction against the user's prior behavior.
// Detectors never fail; absence of evidence is an empty slice.
type Detector interface {
	Name() string
	Detect(tx models.Transaction, snap Snapshot) []models.FraudSignal
}

// VelocityDetector flags bursts of transactions per user.
type VelocityDetector struct {
	PerHour int
}

func (d *VelocityDetector) Name() string { return "velocity" }

func (d *VelocityDetector) Detect(tx models.Transaction, snap Snapshot) []models.FraudSignal {
	var signals []models.FraudSignal

	tau := float64(d.PerHour)
	n1h := float64(len(snap.LastHour))
	if d.PerHour > 0 && n1h >= tau {
		severity := models.SeverityMedium
		switch {
		case n1h >= 2*tau:
			severity = models.SeverityCritical
		case n1h >= 1.5*tau:
			severity = models.SeverityHigh
		}
		signals = append(signals, models.FraudSignal{
			Kind:        models.SignalVelocity,
			Severity:    severity,
			Confidence:  math.Min(1, n1h/(2*tau)),
			Description: fmt.Sprintf("%d transactions in the last hour exceeds threshold %d", len(snap.LastHour), d.PerHour),
			Metadata: map[string]any{
				"count_1h":  len(snap.LastHour),
				"threshold": d.PerHour,
			},
		})
	}

	if len(snap.Burst5m) >= 5 {
		signals = append(signals, models.FraudSignal{
			Kind:        models.SignalVelocity,
			Severity:    models.SeverityHigh,
			Confidence:  0.9,
			Description: fmt.Sprintf("burst of %d transactions within 5 minutes", len(snap.Burst5m)),
			Metadata:    map[string]any{"count_5m": len(snap.Burst5m)},
		})
	}

	return signals
}

// AmountDetector compares the amount against the user's Welford estimate
// and flags round numbers.
type AmountDetector struct {
	Sigma float64
}

func (d *AmountDetector) Name() string { return "amount-anomaly" }

func (d *AmountDetector) Detect(tx models.Transaction, snap Snapshot) []models.FraudSignal {
	var signals []models.FraudSignal

	if snap.Profile != nil && snap.Profile.TotalTx >= 3 && d.Sigma > 0 {
		mean := snap.Profile.Mean
		std := snap.Profile.StdDev()
		diff := math.Abs(tx.Amount - mean)

		var z float64
		switch {
		case std > 1e-9:
			z = diff / std
		case diff > 1e-9:
			// Zero spread with a deviating amount: treat as far out.
			z = 10 * d.Sigma
		}

		if z > d.Sigma {
			severity := models.SeverityHigh
			switch {
			case z < 1.5*d.Sigma:
				severity = models.SeverityLow
			case z < 2*d.Sigma:
				severity = models.SeverityMedium
			}
			signals = append(signals, models.FraudSignal{
				Kind:        models.SignalAmountAnomaly,
				Severity:    severity,
				Confidence:  math.Min(1, z/(2*d.Sigma)),
				Description: fmt.Sprintf("amount %.2f deviates %.1f sigma from user mean %.2f", tx.Amount, z, mean),
				Metadata: map[string]any{
					"z_score":   z,
					"user_mean": mean,
					"user_std":  std,
				},
			})
		}
	}

	if tx.Amount >= 1000 && math.Mod(tx.Amount, 1000) == 0 {
		signals = append(signals, models.FraudSignal{
			Kind:        models.SignalAmountAnomaly,
			Severity:    models.SeverityLow,
			Confidence:  0.6,
			Description: fmt.Sprintf("round-number amount %.0f", tx.Amount),
			Metadata:    map[string]any{"amount": tx.Amount},
		})
	}

	return signals
}

// PatternDetector looks for structured behavior: arithmetic amount
// sequences, repeated amounts, and destination dispersion.
type PatternDetector struct{}

func (d *PatternDetector) Name() string { return "pattern" }

func (d *PatternDetector) Detect(tx models.Transaction, snap Snapshot) []models.FraudSignal {
	var signals []models.FraudSignal

	if snap.Profile != nil && len(snap.Profile.History) >= 3 {
		hist := snap.Profile.History
		tail := hist[len(hist)-3:]
		seq := []float64{tail[0].Amount, tail[1].Amount, tail[2].Amount, tx.Amount}
		step := seq[1] - seq[0]
		arithmetic := math.Abs(step) > 1e-9
		for i := 2; i < len(seq) && arithmetic; i++ {
			if math.Abs((seq[i]-seq[i-1])-step) > 1e-9 {
				arithmetic = false
			}
		}
		if arithmetic {
			signals = append(signals, models.FraudSignal{
				Kind:        models.SignalPattern,
				Severity:    models.SeverityMedium,
				Confidence:  0.8,
				Description: fmt.Sprintf("sequential amounts with constant step %.2f", step),
				Metadata:    map[string]any{"step": step},
			})
		}
	}

	// Current transaction counts as one appearance in both checks below.
	repeats := 1
	for _, prior := range snap.LastHour {
		if prior.Amount == tx.Amount {
			repeats++
		}
	}
	if repeats >= 5 {
		signals = append(signals, models.FraudSignal{
			Kind:        models.SignalPattern,
			Severity:    models.SeverityMedium,
			Confidence:  0.75,
			Description: fmt.Sprintf("amount %.2f repeated %d times in the last hour", tx.Amount, repeats),
			Metadata:    map[string]any{"repeats": repeats},
		})
	}

	dests := map[string]bool{tx.ToAddress: true}
	for _, prior := range snap.LastHour {
		dests[prior.ToAddress] = true
	}
	total := len(snap.LastHour) + 1
	if len(dests) >= 10 && total <= 15 {
		signals = append(signals, models.FraudSignal{
			Kind:        models.SignalPattern,
			Severity:    models.SeverityHigh,
			Confidence:  0.85,
			Description: fmt.Sprintf("%d unique destinations across %d transactions in the last hour", len(dests), total),
			Metadata: map[string]any{
				"unique_destinations": len(dests),
				"total_recent":        total,
			},
		})
	}

	return signals
}

// maxTravelSpeedKmh is the plausibility bound for consecutive
// geo-located transactions.
const maxTravelSpeedKmh = 900.0

// GeoDetector flags unusual countries and physically impossible travel.
type GeoDetector struct{}

func (d *GeoDetector) Name() string { return "geo-anomaly" }

func (d *GeoDetector) Detect(tx models.Transaction, snap Snapshot) []models.FraudSignal {
	if tx.Geo == nil {
		return nil
	}
	var signals []models.FraudSignal

	if snap.Profile != nil && len(snap.Profile.Countries) > 0 &&
		tx.Geo.Country != "" && !snap.Profile.Countries[tx.Geo.Country] {
		signals = append(signals, models.FraudSignal{
			Kind:        models.SignalGeoAnomaly,
			Severity:    models.SeverityMedium,
			Confidence:  0.7,
			Description: fmt.Sprintf("country %s outside the user's typical set", tx.Geo.Country),
			Metadata:    map[string]any{"country": tx.Geo.Country},
		})
	}

	if prior := lastWithGeo(snap.Profile); prior != nil {
		dt := tx.Timestamp.Sub(prior.Timestamp).Hours()
		if dt > 0 {
			km := haversineKm(prior.Geo.Lat, prior.Geo.Lon, tx.Geo.Lat, tx.Geo.Lon)
			speed := km / dt
			if speed > maxTravelSpeedKmh {
				signals = append(signals, models.FraudSignal{
					Kind:        models.SignalGeoAnomaly,
					Severity:    models.SeverityCritical,
					Confidence:  0.95,
					Description: fmt.Sprintf("impossible travel: %.0f km in %.2f hours (%.0f km/h)", km, dt, speed),
					Metadata: map[string]any{
						"distance_km": km,
						"hours":       dt,
						"speed_kmh":   speed,
					},
				})
			}
		}
	}

	return signals
}

func lastWithGeo(p *profile.Profile) *models.Transaction {
	if p == nil {
		return nil
	}
	for i := len(p.History) - 1; i >= 0; i-- {
		if p.History[i].Geo != nil {
			return &p.History[i]
		}
	}
	return nil
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// BehavioralDetector flags account-age and chain-usage oddities.
type BehavioralDetector struct{}

func (d *BehavioralDetector) Name() string { return "behavioral" }

func (d *BehavioralDetector) Detect(tx models.Transaction, snap Snapshot) []models.FraudSignal {
	var signals []models.FraudSignal

	ageDays := 0.0
	if snap.Profile != nil {
		ageDays = snap.Profile.AccountAge(snap.Now).Hours() / 24
	}
	if ageDays < 7 && tx.Amount > 5000 {
		signals = append(signals, models.FraudSignal{
			Kind:        models.SignalBehavioral,
			Severity:    models.SeverityMedium,
			Confidence:  0.65,
			Description: fmt.Sprintf("account %.1f days old moving %.2f", ageDays, tx.Amount),
			Metadata: map[string]any{
				"account_age_days": ageDays,
				"amount":           tx.Amount,
			},
		})
	}

	if snap.Profile != nil && tx.Chain != "" &&
		!snap.Profile.Chains[tx.Chain] && snap.Profile.TotalTx > 10 {
		signals = append(signals, models.FraudSignal{
			Kind:        models.SignalBehavioral,
			Severity:    models.SeverityLow,
			Confidence:  0.5,
			Description: fmt.Sprintf("first use of chain %s after %d transactions", tx.Chain, snap.Profile.TotalTx),
			Metadata:    map[string]any{"chain": tx.Chain},
		})
	}

	return signals
}
