package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
	"chat-sync/internal/notify"
)

type ToastSinkMock struct {
	mock.Mock
}

var _ notify.ToastSink = (*ToastSinkMock)(nil)

func (m *ToastSinkMock) Show(n models.Notification) {
	m.Called(n)
}

type PusherMock struct {
	mock.Mock
}

var _ notify.BackgroundPusher = (*PusherMock)(nil)

func (m *PusherMock) Push(ctx context.Context, job notify.PushJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}
