// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package healthcheck

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusStarting, "starting"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
		{Status(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestHealthzReflectsStatus(t *testing.T) {
	s := NewServer(":0", nil)

	rec := httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetStatus(StatusHealthy)
	rec = httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeStatusSource struct {
	pending  int
	lastSync time.Time
}

func (f *fakeStatusSource) PendingCount(context.Context) (int, error) {
	return f.pending, nil
}

func (f *fakeStatusSource) LastSync(context.Context) (time.Time, error) {
	return f.lastSync, nil
}

func TestStatuszReportsEngineState(t *testing.T) {
	src := &fakeStatusSource{
		pending:  3,
		lastSync: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	s := NewServer(":0", src)
	s.SetStatus(StatusHealthy)

	rec := httptest.NewRecorder()
	s.statuszHandler(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Healthy)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 3, resp.Pending)
	assert.Equal(t, "2025-06-01T12:00:00Z", resp.LastSync)
}

func TestStopWithoutStart(t *testing.T) {
	s := NewServer(":0", nil)
	assert.NoError(t, s.Stop())
}

func TestStartReturnsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	s := NewServer(ln.Addr().String(), nil)
	err = s.Start(context.Background())
	assert.ErrorContains(t, err, "failed to listen")
}

func TestStartStopsOnContextCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
