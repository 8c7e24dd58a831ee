//go:build unit

package remote_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/cvex/internal/util/mocks/mockremote"
	"github.com/alexandremahdhaoui/cvex/pkg/faults"
	"github.com/alexandremahdhaoui/cvex/pkg/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestTryRun(t *testing.T) {
	tests := []struct {
		name     string
		runErr   error
		expected bool
	}{
		{name: "command succeeds", runErr: nil, expected: true},
		{name: "failure is swallowed", runErr: errors.New("exit status 128"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &mockremote.MockExecutor{}
			exec.On("Run", mock.Anything, []string{"taskkill", "/IM", "Procmon.exe", "/F"}).Return("", tt.runErr)

			ok := remote.TryRun(context.Background(), exec, "taskkill", "/IM", "Procmon.exe", "/F")

			assert.Equal(t, tt.expected, ok)
			exec.AssertExpectations(t)
		})
	}
}

func TestRun_WrapsRemoteIO(t *testing.T) {
	cause := errors.New("exit status 1")
	exec := &mockremote.MockExecutor{}
	exec.On("Run", mock.Anything, []string{"route", "print"}).Return("partial", cause)

	out, err := remote.Run(context.Background(), exec, "route", "print")

	assert.Equal(t, "partial", out)
	assert.ErrorIs(t, err, faults.ErrRemoteIO)
	assert.ErrorIs(t, err, cause)
}

func TestTransfers_WrapRemoteIO(t *testing.T) {
	cause := errors.New("no such file")
	exec := &mockremote.MockExecutor{}
	exec.On("Upload", mock.Anything, "/tmp/a", `C:\a`).Return(cause)
	exec.On("Download", mock.Anything, `C:\b`, "/tmp/b").Return(nil)

	err := remote.Upload(context.Background(), exec, "/tmp/a", `C:\a`)
	assert.ErrorIs(t, err, faults.ErrRemoteIO)
	assert.ErrorIs(t, err, cause)

	assert.NoError(t, remote.Download(context.Background(), exec, `C:\b`, "/tmp/b"))
	exec.AssertExpectations(t)
}
