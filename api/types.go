package api

import (
	"time"

	"github.com/gregtusar/triarb/pkg/bitget"
	"github.com/gregtusar/triarb/pkg/models"
	"github.com/gregtusar/triarb/pkg/trader"
)

type opportunitiesResponse struct {
	Opportunities []models.OpportunityRecord `json:"opportunities"`
	Stats         models.OpportunityStats    `json:"stats"`
}

type routeStatus struct {
	Route       string               `json:"route"`
	Description string               `json:"description"`
	Prices      models.PriceSnapshot `json:"prices"`
	NoData      bool                 `json:"no_data"`
	Error       string               `json:"error,omitempty"`
	Opportunity *models.Opportunity  `json:"opportunity,omitempty"`
}

type resultStatus struct {
	Outcome       trader.Outcome `json:"outcome"`
	AttemptID     string         `json:"attempt_id,omitempty"`
	LegsCompleted int            `json:"legs_completed"`
	ElapsedMs     int64          `json:"elapsed_ms"`
	Error         string         `json:"error,omitempty"`
	Slippage      string         `json:"slippage"`
}

type statusResponse struct {
	Running     bool          `json:"running"`
	Executing   bool          `json:"executing"`
	Mode        models.Mode   `json:"mode"`
	Routes      []string      `json:"routes"`
	Cycles      int64         `json:"cycles"`
	LastCycleAt *time.Time    `json:"last_cycle_at,omitempty"`
	Evaluations []routeStatus `json:"evaluations"`
	LastResult  *resultStatus `json:"last_result,omitempty"`
}

func newStatusResponse(st trader.Status) statusResponse {
	resp := statusResponse{
		Running:     st.Running,
		Executing:   st.Executing,
		Mode:        st.Mode,
		Routes:      st.Routes,
		Cycles:      st.Cycles,
		Evaluations: make([]routeStatus, 0, len(st.LastEvaluated)),
	}
	if !st.LastCycleAt.IsZero() {
		at := st.LastCycleAt
		resp.LastCycleAt = &at
	}

	for _, ev := range st.LastEvaluated {
		rs := routeStatus{
			Route:       ev.Route.Name,
			Description: ev.Route.Description(),
			Prices:      ev.Snapshot,
			NoData:      ev.NoData,
			Opportunity: ev.Opportunity,
		}
		if ev.Err != nil {
			rs.Error = ev.Err.Error()
		}
		resp.Evaluations = append(resp.Evaluations, rs)
	}

	if st.LastResult != nil {
		resp.LastResult = newResultStatus(st.LastResult)
	}
	return resp
}

func newResultStatus(res *trader.ExecutionResult) *resultStatus {
	rs := &resultStatus{
		Outcome:       res.Outcome,
		AttemptID:     res.AttemptID,
		LegsCompleted: res.LegsCompleted,
		ElapsedMs:     res.Elapsed.Milliseconds(),
		Slippage:      res.Slippage.String(),
	}
	if res.Err != nil {
		rs.Error = res.Err.Error()
	}
	return rs
}

type executeRequest struct {
	Route  string   `json:"route"`
	Amount *float64 `json:"amount"`
}

type balanceResponse struct {
	Balances []bitget.Asset `json:"balances"`
}
