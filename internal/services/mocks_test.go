package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/tipflow/backend/internal/clients"
)

type MockSink struct {
	mock.Mock
}

func (m *MockSink) PushBatch(ctx context.Context, batch *clients.TipBatch) (*clients.BatchReceipt, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*clients.BatchReceipt), args.Error(1)
}
