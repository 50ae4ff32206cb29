package trader

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/triarb/pkg/models"
)

func TestProject_ExampleScenario(t *testing.T) {
	p := Project(d("1000"), snapshot("0.5", "0.0000083", "60000"))

	assert.True(t, p.IntermediateQty.Equal(d("2000")), p.IntermediateQty.String())
	assert.True(t, p.SettlementQty.Equal(d("0.0166")), p.SettlementQty.String())
	assert.True(t, p.FinalQuote.Equal(d("996")), p.FinalQuote.String())
	assert.True(t, p.ExpectedProfit.Equal(d("-4")), p.ExpectedProfit.String())
	assert.True(t, p.ExpectedProfitPct.Equal(d("-0.4")), p.ExpectedProfitPct.String())
}

func TestEvaluator_NoData(t *testing.T) {
	e := NewEvaluator(testRoute(), testConfig(models.ModeDemo))
	full := snapshot("0.5", "0.0000083", "60000")
	mas := averages("0.49", "0.0000083", "60000")

	missingPrice := full
	missingPrice.Leg2 = decimal.Zero
	opp, ok := e.Evaluate(missingPrice, mas, d("1000"))
	assert.False(t, ok)
	assert.Nil(t, opp)

	missingMA := mas
	missingMA.Leg3 = decimal.NullDecimal{}
	opp, ok = e.Evaluate(full, missingMA, d("1000"))
	assert.False(t, ok)
	assert.Nil(t, opp)

	_, ok = e.Evaluate(full, mas, decimal.Zero)
	assert.False(t, ok)
}

func TestEvaluator_NotInteresting(t *testing.T) {
	e := NewEvaluator(testRoute(), testConfig(models.ModeDemo))

	// prices consistent with each other and sitting on their averages
	opp, ok := e.Evaluate(snapshot("0.5", "0.00001", "50000"), averages("0.5", "0.00001", "50000"), d("1000"))
	assert.False(t, ok)
	assert.Nil(t, opp)
}

func TestEvaluator_ActionableOnDiscrepancy(t *testing.T) {
	e := NewEvaluator(testRoute(), testConfig(models.ModeDemo))

	opp, ok := e.Evaluate(snapshot("0.5", "0.0000084", "60000"), averages("0.5", "0.0000084", "60000"), d("1000"))
	require.True(t, ok)

	assert.True(t, opp.ExpectedProfit.Equal(d("8")), opp.ExpectedProfit.String())
	assert.True(t, opp.ExpectedProfitPct.Equal(d("0.8")))
	assert.True(t, opp.DeviationLeg1.IsZero())
	assert.True(t, opp.IsActionable)
	assert.Equal(t, models.ReasonSet{models.ReasonDiscrepancy, models.ReasonProfitFloor, models.ReasonProfitTarget}, opp.Reasons)
	assert.Equal(t, "USDT-XRP-BTC", opp.Route.Name)
}

func TestEvaluator_ProfitWithoutDislocationIsNotActionable(t *testing.T) {
	e := NewEvaluator(testRoute(), testConfig(models.ModeDemo))

	// 0.008% modeled profit, discrepancy just under the 0.01% floor
	opp, ok := e.Evaluate(snapshot("0.5", "0.000008334", "60000"), averages("0.5", "0.000008334", "60000"), d("1000"))
	require.True(t, ok)

	assert.True(t, opp.ExpectedProfitPct.Equal(d("0.008")), opp.ExpectedProfitPct.String())
	assert.True(t, opp.RateDiscrepancyPct.LessThan(d("0.01")), opp.RateDiscrepancyPct.String())
	assert.False(t, opp.IsActionable)
	assert.Equal(t, models.ReasonSet{models.ReasonProfitFloor, models.ReasonNoDislocation}, opp.Reasons)
}

func TestEvaluator_VolatilityBelowTarget(t *testing.T) {
	e := NewEvaluator(testRoute(), testConfig(models.ModeDemo))

	opp, ok := e.Evaluate(snapshot("0.5", "0.0000083", "60000"), averages("0.49", "0.0000083", "60000"), d("1000"))
	require.True(t, ok)

	assert.True(t, opp.DeviationLeg1.GreaterThan(d("2")), opp.DeviationLeg1.String())
	assert.True(t, opp.Reasons.Has(models.ReasonVolatility))
	assert.True(t, opp.Reasons.Has(models.ReasonBelowProfitTarget))
	assert.False(t, opp.IsActionable)
}

func TestEvaluator_Leg2VolatilityIsInclusive(t *testing.T) {
	cfg := testConfig(models.ModeDemo)
	cfg.Thresholds.DiscrepancyPct = d("100")
	cfg.Thresholds.InterestingProfitPct = d("100")
	e := NewEvaluator(testRoute(), cfg)

	// leg 2 exactly 0.05% above its average
	opp, ok := e.Evaluate(snapshot("1", "0.00002001", "50000"), averages("1", "0.00002", "50000"), d("1000"))
	require.True(t, ok)
	assert.True(t, opp.DeviationLeg2.Equal(d("0.05")), opp.DeviationLeg2.String())
	assert.True(t, opp.Reasons.Has(models.ReasonVolatility))

	// 0.045% stays below the floor
	opp, ok = e.Evaluate(snapshot("1", "0.000020009", "50000"), averages("1", "0.00002", "50000"), d("1000"))
	assert.False(t, ok)
	assert.Nil(t, opp)
}

func TestEvaluator_IsPure(t *testing.T) {
	e := NewEvaluator(testRoute(), testConfig(models.ModeDemo))
	s := snapshot("0.5123", "0.00000831", "61234.5")
	mas := averages("0.51", "0.0000082", "60000")

	first, ok := e.Evaluate(s, mas, d("1000"))
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := e.Evaluate(s, mas, d("1000"))
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestEvaluator_ActionableImpliesProfitTarget(t *testing.T) {
	cfg := testConfig(models.ModeDemo)
	e := NewEvaluator(testRoute(), cfg)

	leg2 := []string{"0.0000080", "0.0000083", "0.00000833", "0.000008334", "0.0000084", "0.0000090"}
	ma1 := []string{"0.5", "0.49", "0.52"}
	for _, p2 := range leg2 {
		for _, m1 := range ma1 {
			opp, ok := e.Evaluate(snapshot("0.5", p2, "60000"), averages(m1, p2, "60000"), d("1000"))
			if !ok || !opp.IsActionable {
				continue
			}
			assert.True(t, opp.ExpectedProfitPct.GreaterThan(cfg.ProfitTargetPct), "p2=%s ma1=%s", p2, m1)
			assert.True(t, opp.Reasons.Has(models.ReasonVolatility) || opp.Reasons.Has(models.ReasonDiscrepancy))
		}
	}
}
