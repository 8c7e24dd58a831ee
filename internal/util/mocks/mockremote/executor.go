package mockremote

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockExecutor is a mock for remote.Executor.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Run(ctx context.Context, cmd ...string) (string, error) {
	args := m.Called(ctx, cmd)
	return args.String(0), args.Error(1)
}

func (m *MockExecutor) Upload(ctx context.Context, localPath, remotePath string) error {
	args := m.Called(ctx, localPath, remotePath)
	return args.Error(0)
}

func (m *MockExecutor) Download(ctx context.Context, remotePath, localPath string) error {
	args := m.Called(ctx, remotePath, localPath)
	return args.Error(0)
}
