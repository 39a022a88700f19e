package services

import (
	"context"

	"github.com/betbot/perpexec/internal/domain"
)

type OrderUpdateHandlerFunc func(ctx context.Context, order *domain.OrderResult)

func (f OrderUpdateHandlerFunc) OnOrderUpdate(ctx context.Context, order *domain.OrderResult) {
	f(ctx, order)
}
