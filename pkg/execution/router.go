package execution

import (
	"context"
	"fmt"

	"github.com/gregtusar/triarb/pkg/models"
)

type Executor interface {
	Place(ctx context.Context, req models.OrderRequest, creds *models.Credentials) (models.Fill, error)
}

// Router sends each order to the executor for its mode.
type Router struct {
	Demo Executor
	Live Executor
}

func (r *Router) Place(ctx context.Context, req models.OrderRequest, creds *models.Credentials) (models.Fill, error) {
	var ex Executor
	switch req.Mode {
	case models.ModeLive:
		ex = r.Live
	case models.ModeDemo, "":
		ex = r.Demo
	default:
		return models.Fill{}, fmt.Errorf("unknown mode %q", req.Mode)
	}
	if ex == nil {
		return models.Fill{}, fmt.Errorf("no executor configured for %s mode", req.Mode)
	}
	return ex.Place(ctx, req, creds)
}
